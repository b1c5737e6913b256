package kducer

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// ResultEvent is one completed tightening as captured by the poll loop. Raw
// is the 144-byte result block exactly as read from the controller; Graph is
// the high-resolution torque/angle trace, present only when graph capture is
// enabled. Timestamp is assigned by the loop at capture time.
type ResultEvent struct {
	Raw       []byte
	Graph     []byte
	Timestamp time.Time
}

// Decode parses the raw block into a typed result.
func (e ResultEvent) Decode() (TighteningResult, error) {
	return decodeTighteningResult(e.Raw)
}

// Fixed byte offsets inside the result block. The controller lays the block
// out as packed big-endian words followed by NUL-padded ASCII runs.
const (
	resultBlockBytes = resultRegisterCount * 2

	resOffProgramNr    = 0
	resOffTargetTorque = 2
	resOffFinalTorque  = 4
	resOffFinalAngle   = 6
	resOffResultCode   = 10
	resOffBarcode      = 12 // 16 ASCII bytes
	resOffTimestamp    = 28 // 16 ASCII bytes
	resOffSerial       = 44 // 16 ASCII bytes

	resultASCIIFieldBytes = 16
)

// TighteningResult is the decoded form of a result block. Torque values are
// in the unit the active program is configured for, scaled by 100 on the
// wire; angle is in degrees.
type TighteningResult struct {
	ProgramNr    uint16
	TargetTorque float64
	FinalTorque  float64
	FinalAngle   uint16
	ResultCode   uint16
	Barcode      string
	DeviceTime   string
	SerialNumber string
}

// OK reports whether the tightening finished within the program's limits.
func (r TighteningResult) OK() bool {
	return r.ResultCode == 0
}

func decodeTighteningResult(raw []byte) (TighteningResult, error) {
	if len(raw) != resultBlockBytes {
		return TighteningResult{}, protocolErrorf("result block is %d bytes, want %d", len(raw), resultBlockBytes)
	}
	return TighteningResult{
		ProgramNr:    binary.BigEndian.Uint16(raw[resOffProgramNr:]),
		TargetTorque: float64(binary.BigEndian.Uint16(raw[resOffTargetTorque:])) / 100,
		FinalTorque:  float64(binary.BigEndian.Uint16(raw[resOffFinalTorque:])) / 100,
		FinalAngle:   binary.BigEndian.Uint16(raw[resOffFinalAngle:]),
		ResultCode:   binary.BigEndian.Uint16(raw[resOffResultCode:]),
		Barcode:      decodeASCIIField(raw[resOffBarcode : resOffBarcode+resultASCIIFieldBytes]),
		DeviceTime:   decodeASCIIField(raw[resOffTimestamp : resOffTimestamp+resultASCIIFieldBytes]),
		SerialNumber: decodeASCIIField(raw[resOffSerial : resOffSerial+resultASCIIFieldBytes]),
	}, nil
}

func decodeASCIIField(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

// stampResultTime overwrites the block's device-clock field with the host
// time. Controllers with an unset real-time clock report a bogus date, so
// the session can optionally substitute its own.
func stampResultTime(raw []byte, t time.Time) {
	if len(raw) < resOffTimestamp+resultASCIIFieldBytes {
		return
	}
	field := raw[resOffTimestamp : resOffTimestamp+resultASCIIFieldBytes]
	for i := range field {
		field[i] = 0
	}
	copy(field, t.Format("06-01-02 15:04:05"))
}

// encodeBarcode packs a barcode string into the 16-byte register payload the
// controller expects. Commas confuse the controller's CSV result log, so
// they are substituted with dots before encoding.
func encodeBarcode(barcode string) ([]byte, error) {
	barcode = strings.ReplaceAll(barcode, ",", ".")
	if len(barcode) > barcodeBytes {
		return nil, fmt.Errorf("%w: barcode %q exceeds %d characters", ErrOutOfRange, barcode, barcodeBytes)
	}
	for i := 0; i < len(barcode); i++ {
		if barcode[i] < 0x20 || barcode[i] > 0x7E {
			return nil, fmt.Errorf("%w: barcode contains non-printable byte 0x%02X", ErrOutOfRange, barcode[i])
		}
	}
	payload := make([]byte, barcodeBytes)
	copy(payload, barcode)
	return payload, nil
}
