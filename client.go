package kducer

import (
	"encoding/binary"
)

// Modbus function codes used by the KDU dialect.
const (
	funcCodeReadHoldingRegisters   = 0x03
	funcCodeReadInputRegisters     = 0x04
	funcCodeWriteSingleCoil        = 0x05
	funcCodeWriteSingleRegister    = 0x06
	funcCodeWriteMultipleRegisters = 0x10
)

// Standard response PDU lengths (including function code).
const (
	respPDULenWriteSingleCoil        = 1 + 2 + 2 // FuncCode + Address + Value
	respPDULenWriteSingleRegister    = 1 + 2 + 2 // FuncCode + Address + Value
	respPDULenWriteMultipleRegisters = 1 + 2 + 2 // FuncCode + Address + Quantity
)

// mbClient performs single request/response exchanges against the
// controller. It owns one transporter and one transaction-id counter; since
// every operation is a synchronous round trip on the calling goroutine,
// there is never more than one exchange outstanding by construction.
//
// The client performs no retries: any failure propagates to the session,
// which decides between reconnecting and failing the command.
type mbClient struct {
	transporter *tcpTransporter
	packager    tcpPackager
	unitID      uint8
	txID        uint16
	logger      Logger
}

func newMBClient(t *tcpTransporter, logger Logger) *mbClient {
	return &mbClient{
		transporter: t,
		unitID:      0,
		logger:      logger,
	}
}

// roundTrip sends one request PDU and returns the validated response PDU,
// function code included. wantPDULen is the expected success reply length.
func (c *mbClient) roundTrip(funcCode uint8, data []byte, wantPDULen int) ([]byte, error) {
	c.txID++

	pdu := make([]byte, 1+len(data))
	pdu[0] = funcCode
	copy(pdu[1:], data)

	frame, err := c.packager.pack(c.txID, c.unitID, pdu)
	if err != nil {
		return nil, err
	}
	if err := c.transporter.SendAll(frame); err != nil {
		return nil, err
	}

	header, err := c.transporter.ReceiveAll(tcpHeaderLength)
	if err != nil {
		return nil, err
	}
	h, err := c.packager.unpackHeader(header)
	if err != nil {
		return nil, err
	}
	if err := c.packager.validateEcho(h, c.txID, c.unitID, wantPDULen); err != nil {
		return nil, err
	}

	respPDU, err := c.transporter.ReceiveAll(int(h.length) - 1)
	if err != nil {
		return nil, err
	}
	if err := c.packager.checkException(funcCode, respPDU); err != nil {
		return nil, err
	}
	return respPDU, nil
}

// readRegisters performs a register read and returns the raw payload bytes,
// two bytes per register in network order.
func (c *mbClient) readRegisters(funcCode uint8, address, quantity uint16) ([]byte, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	respPDU, err := c.roundTrip(funcCode, data, 2+int(quantity)*2)
	if err != nil {
		return nil, err
	}
	if len(respPDU) < 2 {
		return nil, protocolErrorf("read response too short: %d bytes", len(respPDU))
	}
	byteCount := int(respPDU[1])
	if byteCount != int(quantity)*2 || len(respPDU) != 2+byteCount {
		return nil, protocolErrorf("read response byte count %d, want %d", byteCount, int(quantity)*2)
	}
	return respPDU[2:], nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (c *mbClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.readRegisters(funcCodeReadHoldingRegisters, address, quantity)
}

// ReadInputRegisters reads quantity input registers starting at address.
func (c *mbClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.readRegisters(funcCodeReadInputRegisters, address, quantity)
}

// ReadRegisterValue reads a single holding register as a uint16.
func (c *mbClient) ReadRegisterValue(address uint16) (uint16, error) {
	raw, err := c.ReadHoldingRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(raw), nil
}

// ReadInputRegisterValue reads a single input register as a uint16.
func (c *mbClient) ReadInputRegisterValue(address uint16) (uint16, error) {
	raw, err := c.ReadInputRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(raw), nil
}

// WriteSingleCoil writes one coil; the wire values are 0xFF00 for on and
// 0x0000 for off.
func (c *mbClient) WriteSingleCoil(address uint16, value bool) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	if value {
		binary.BigEndian.PutUint16(data[2:4], 0xFF00)
	}

	respPDU, err := c.roundTrip(funcCodeWriteSingleCoil, data, respPDULenWriteSingleCoil)
	if err != nil {
		return err
	}
	if len(respPDU) != respPDULenWriteSingleCoil {
		return protocolErrorf("write coil response length %d, want %d", len(respPDU), respPDULenWriteSingleCoil)
	}
	if respAddress := binary.BigEndian.Uint16(respPDU[1:3]); respAddress != address {
		return protocolErrorf("write coil response address %d, want %d", respAddress, address)
	}
	respValue := binary.BigEndian.Uint16(respPDU[3:5])
	if (value && respValue != 0xFF00) || (!value && respValue != 0x0000) {
		return protocolErrorf("write coil response value 0x%04X does not echo request", respValue)
	}
	return nil
}

// WriteSingleRegister writes one holding register.
func (c *mbClient) WriteSingleRegister(address, value uint16) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)

	respPDU, err := c.roundTrip(funcCodeWriteSingleRegister, data, respPDULenWriteSingleRegister)
	if err != nil {
		return err
	}
	if len(respPDU) != respPDULenWriteSingleRegister {
		return protocolErrorf("write register response length %d, want %d", len(respPDU), respPDULenWriteSingleRegister)
	}
	if respAddress := binary.BigEndian.Uint16(respPDU[1:3]); respAddress != address {
		return protocolErrorf("write register response address %d, want %d", respAddress, address)
	}
	if respValue := binary.BigEndian.Uint16(respPDU[3:5]); respValue != value {
		return protocolErrorf("write register response value %d, want %d", respValue, value)
	}
	return nil
}

// WriteMultipleRegisters writes raw register bytes starting at address. The
// payload must be an even number of bytes, two per register.
func (c *mbClient) WriteMultipleRegisters(address uint16, payload []byte) error {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return protocolErrorf("register payload must be a non-zero even byte count, got %d", len(payload))
	}
	quantity := uint16(len(payload) / 2)

	data := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	data[4] = byte(len(payload))
	copy(data[5:], payload)

	respPDU, err := c.roundTrip(funcCodeWriteMultipleRegisters, data, respPDULenWriteMultipleRegisters)
	if err != nil {
		return err
	}
	if len(respPDU) != respPDULenWriteMultipleRegisters {
		return protocolErrorf("write multiple response length %d, want %d", len(respPDU), respPDULenWriteMultipleRegisters)
	}
	if respAddress := binary.BigEndian.Uint16(respPDU[1:3]); respAddress != address {
		return protocolErrorf("write multiple response address %d, want %d", respAddress, address)
	}
	if respQuantity := binary.BigEndian.Uint16(respPDU[3:5]); respQuantity != quantity {
		return protocolErrorf("write multiple response quantity %d, want %d", respQuantity, quantity)
	}
	return nil
}

// IsConnected reports the transporter link state.
func (c *mbClient) IsConnected() bool {
	return c.transporter.IsConnected()
}

// Close closes the underlying socket.
func (c *mbClient) Close() error {
	return c.transporter.Close()
}
