package kducer

import (
	"encoding/binary"
)

// Modbus TCP framing constants.
const (
	tcpHeaderLength    = 7   // MBAP header length in bytes
	maxPDULength       = 253 // maximum PDU length according to the Modbus spec
	protocolIdentifier = 0   // fixed for Modbus TCP
	exceptionADULength = 3   // unit id + function code + exception code
)

// tcpPackager packs request ADUs and validates response headers for the
// KDU dialect. The frame format is MBAP (7 bytes) + PDU:
// Transaction Identifier (2) + Protocol Identifier (2) + Length (2) + Unit
// Identifier (1), everything big-endian.
type tcpPackager struct{}

// pack builds a complete request frame from a transaction id, unit id and PDU.
func (p *tcpPackager) pack(txID uint16, unitID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, protocolErrorf("request PDU cannot be empty")
	}
	if len(pdu) > maxPDULength {
		return nil, protocolErrorf("request PDU length %d exceeds maximum %d", len(pdu), maxPDULength)
	}

	// Length field covers the unit identifier plus the PDU.
	frame := make([]byte, tcpHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txID)
	binary.BigEndian.PutUint16(frame[2:4], protocolIdentifier)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame, nil
}

// responseHeader is the parsed MBAP header of a reply.
type responseHeader struct {
	txID   uint16
	length uint16 // unit id + PDU bytes still to read
	unitID uint8
}

// unpackHeader parses and sanity-checks the 7-byte MBAP header of a response.
func (p *tcpPackager) unpackHeader(header []byte) (responseHeader, error) {
	if len(header) != tcpHeaderLength {
		return responseHeader{}, protocolErrorf("response header is %d bytes, want %d", len(header), tcpHeaderLength)
	}
	h := responseHeader{
		txID:   binary.BigEndian.Uint16(header[0:2]),
		length: binary.BigEndian.Uint16(header[4:6]),
		unitID: header[6],
	}
	if protoID := binary.BigEndian.Uint16(header[2:4]); protoID != protocolIdentifier {
		return responseHeader{}, protocolErrorf("protocol identifier 0x%04X, want 0x%04X", protoID, protocolIdentifier)
	}
	if h.length < 2 {
		return responseHeader{}, protocolErrorf("length field %d too small", h.length)
	}
	if h.length > maxPDULength+1 {
		return responseHeader{}, protocolErrorf("length field %d exceeds maximum %d", h.length, maxPDULength+1)
	}
	return h, nil
}

// validateEcho checks that a response header echoes the request it answers
// and that its declared length is either the expected reply length or the
// fixed exception length.
func (p *tcpPackager) validateEcho(h responseHeader, txID uint16, unitID uint8, wantPDULen int) error {
	if h.txID != txID {
		return protocolErrorf("transaction id 0x%04X, want 0x%04X", h.txID, txID)
	}
	if h.unitID != unitID {
		return protocolErrorf("unit id %d, want %d", h.unitID, unitID)
	}
	if int(h.length) != wantPDULen+1 && h.length != exceptionADULength {
		return protocolErrorf("length field %d, want %d or %d", h.length, wantPDULen+1, exceptionADULength)
	}
	return nil
}

// checkException inspects a response PDU for an exception reply. A function
// code with the high bit set carries a one-byte exception code; code 6 is
// surfaced as ErrDeviceBusy through DeviceError.Is.
func (p *tcpPackager) checkException(requestFC uint8, pdu []byte) error {
	if len(pdu) == 0 {
		return protocolErrorf("empty response PDU")
	}
	if pdu[0] == requestFC|0x80 {
		code := uint8(0)
		if len(pdu) > 1 {
			code = pdu[1]
		}
		return &DeviceError{FunctionCode: requestFC, ExceptionCode: code}
	}
	if pdu[0] != requestFC {
		return protocolErrorf("function code %02X, want %02X", pdu[0], requestFC)
	}
	return nil
}
