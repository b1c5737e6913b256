package kducer

import "testing"

func TestParseFirmwareIdent(t *testing.T) {
	raw := make([]byte, firmwareBlockRegs*2)
	copy(raw, "KDU-1A v.00.38")

	ident, version, err := parseFirmwareIdent(raw)
	if err != nil {
		t.Fatalf("parseFirmwareIdent failed: %v", err)
	}
	if ident != "KDU-1A v.00.38" {
		t.Errorf("ident = %q", ident)
	}
	if version != 38 {
		t.Errorf("version = %d, want 38", version)
	}

	copy(raw, "KDU-1A v.01.02\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")
	if _, version, err = parseFirmwareIdent(raw); err != nil || version != 102 {
		t.Errorf("version = %d err = %v, want 102", version, err)
	}

	if _, _, err := parseFirmwareIdent([]byte("KDU-1A garbage\x00\x00")); err == nil {
		t.Error("expected error for identity without version marker")
	}
	if _, _, err := parseFirmwareIdent([]byte("KDU-1A v.xx.yy\x00\x00")); err == nil {
		t.Error("expected error for malformed version")
	}
}

func TestRegistersForVersion(t *testing.T) {
	if registersForVersion(37) != &legacyRegisters {
		t.Error("version 37 must use the legacy map")
	}
	if registersForVersion(38) != &v38Registers {
		t.Error("version 38 must use the v38 map")
	}
	if registersForVersion(0) != &legacyRegisters {
		t.Error("unknown version must fall back to the legacy map")
	}
	if registersForVersion(102) != &v38Registers {
		t.Error("version 102 must use the v38 map")
	}
}

func TestDataAddresses(t *testing.T) {
	if got := legacyRegisters.programDataAddress(1); got != legacyRegisters.programData {
		t.Errorf("legacy program 1 at %d, want %d", got, legacyRegisters.programData)
	}
	if got := legacyRegisters.programDataAddress(2); got != legacyRegisters.programData+56 {
		t.Errorf("legacy program 2 at %d, want %d", got, legacyRegisters.programData+56)
	}
	if got := v38Registers.programDataAddress(3); got != v38Registers.programData+2*115 {
		t.Errorf("v38 program 3 at %d, want %d", got, v38Registers.programData+2*115)
	}
	if got := v38Registers.sequenceDataAddress(2); got != v38Registers.sequenceData+46 {
		t.Errorf("v38 sequence 2 at %d, want %d", got, v38Registers.sequenceData+46)
	}

	// Program storage must not run into the selection registers, and the
	// last v38 slot must stay clear of the sequence storage.
	legacyEnd := legacyRegisters.programDataAddress(legacyRegisters.maxProgramNr) + legacyRegisters.programRegs()
	if legacyEnd > legacyRegisters.sequenceData {
		t.Errorf("legacy program storage ends at %d, overlaps sequence storage", legacyEnd)
	}
	v38End := v38Registers.programDataAddress(v38Registers.maxProgramNr) + v38Registers.programRegs()
	if v38End > v38Registers.sequenceData {
		t.Errorf("v38 program storage ends at %d, overlaps sequence storage", v38End)
	}
}
