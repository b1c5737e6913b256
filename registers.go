package kducer

import (
	"fmt"
	"strings"
)

// Register geometry shared by every firmware revision.
const (
	firmwareBlockAddress = 0  // input registers, ASCII identity string
	firmwareBlockRegs    = 12 // 24 bytes, e.g. "KDU-1A v.00.38"

	resultRegisterCount = 72 // result block, 144 bytes
	barcodeRegs         = 8  // 16 ASCII characters
	barcodeBytes        = barcodeRegs * 2
)

// registerMap is the per-firmware-tier address table. Keeping the two maps
// in one place next to the exchange client avoids version branches scattered
// through the command handlers: the session picks a map once, right after it
// reads the firmware identity.
type registerMap struct {
	// holding registers
	programNr        uint16
	sequenceNr       uint16
	barcode          uint16
	reprogramControl uint16
	programData      uint16 // base of program storage, programRegs() per slot
	sequenceData     uint16
	settingsData     uint16

	// input registers
	newResultFlag uint16 // self-clearing on read
	resultData    uint16
	graphData     uint16
	graphRegs     uint16

	// coils
	remoteLever uint16
	stopMotor   uint16
	toolEnable  uint16

	// validation limits and blob geometry
	maxProgramNr  uint16
	maxSequenceNr uint16
	programBytes  int
	sequenceBytes int
	settingsBytes int
}

// legacyRegisters covers controllers on firmware v37 and earlier.
var legacyRegisters = registerMap{
	programNr:        7340,
	sequenceNr:       7339,
	barcode:          7700,
	reprogramControl: 7789,
	programData:      8000,
	sequenceData:     12000,
	settingsData:     12400,

	newResultFlag: 294,
	resultData:    295,
	graphData:     462,
	graphRegs:     120,

	remoteLever: 32,
	stopMotor:   34,
	toolEnable:  33,

	maxProgramNr:  64,
	maxSequenceNr: 8,
	programBytes:  112,
	sequenceBytes: 92,
	settingsBytes: 76,
}

// v38Registers covers firmware v38 and later, which widened program storage
// to 200 slots and moved the selection registers.
var v38Registers = registerMap{
	programNr:        7372,
	sequenceNr:       7371,
	barcode:          7700,
	reprogramControl: 7789,
	programData:      8000,
	sequenceData:     31200,
	settingsData:     32400,

	newResultFlag: 294,
	resultData:    295,
	graphData:     462,
	graphRegs:     120,

	remoteLever: 32,
	stopMotor:   34,
	toolEnable:  33,

	maxProgramNr:  200,
	maxSequenceNr: 24,
	programBytes:  230,
	sequenceBytes: 92,
	settingsBytes: 76,
}

// registersForVersion returns the address map for a cached firmware version.
func registersForVersion(version int) *registerMap {
	if version >= 38 {
		return &v38Registers
	}
	return &legacyRegisters
}

func (m *registerMap) programRegs() uint16  { return uint16(m.programBytes / 2) }
func (m *registerMap) sequenceRegs() uint16 { return uint16(m.sequenceBytes / 2) }
func (m *registerMap) settingsRegs() uint16 { return uint16(m.settingsBytes / 2) }

// programDataAddress returns the first register of program slot nr (1-based).
func (m *registerMap) programDataAddress(nr uint16) uint16 {
	return m.programData + (nr-1)*m.programRegs()
}

// sequenceDataAddress returns the first register of sequence slot nr (1-based).
func (m *registerMap) sequenceDataAddress(nr uint16) uint16 {
	return m.sequenceData + (nr-1)*m.sequenceRegs()
}

// parseFirmwareIdent extracts the identity string and numeric firmware
// version from the raw firmware block, e.g. "KDU-1A v.00.38" yields 38
// (major*100+minor). The controller pads the block with NULs.
func parseFirmwareIdent(raw []byte) (string, int, error) {
	ident := strings.TrimRight(string(raw), "\x00 ")
	idx := strings.LastIndex(ident, "v.")
	if idx < 0 {
		return ident, 0, protocolErrorf("firmware identity %q has no version marker", ident)
	}
	var major, minor int
	if _, err := fmt.Sscanf(ident[idx:], "v.%d.%d", &major, &minor); err != nil {
		return ident, 0, protocolErrorf("firmware identity %q has malformed version", ident)
	}
	return ident, major*100 + minor, nil
}
