package kducer

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
)

// simWrite records one write the simulator received, in arrival order.
type simWrite struct {
	funcCode uint8
	address  uint16
	value    uint16 // register value, or 1/0 for coils
	data     []byte // FC 16 payload
}

// kdusim is a scripted stand-in for a KDU controller: a Modbus TCP server
// with the controller's identity block, self-clearing new-result flag and
// exception behaviour. It accepts any number of consecutive connections so
// reconnect scenarios can be exercised.
type kdusim struct {
	ln net.Listener

	mu          sync.Mutex
	holding     map[uint16]uint16
	input       map[uint16]uint16
	coils       map[uint16]bool
	busyWrites  bool
	writes      []simWrite
	conns       map[net.Conn]struct{}
	onCoilWrite func(address uint16, value bool)

	wg sync.WaitGroup
}

func newKdusim(t *testing.T, firmware string) *kdusim {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("simulator listen failed: %v", err)
	}
	s := &kdusim{
		ln:      ln,
		holding: make(map[uint16]uint16),
		input:   make(map[uint16]uint16),
		coils:   make(map[uint16]bool),
		conns:   make(map[net.Conn]struct{}),
	}

	ident := make([]byte, firmwareBlockRegs*2)
	copy(ident, firmware)
	for i := 0; i < firmwareBlockRegs; i++ {
		s.input[firmwareBlockAddress+uint16(i)] = binary.BigEndian.Uint16(ident[i*2:])
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.stop)
	return s
}

func (s *kdusim) address() string {
	return s.ln.Addr().String()
}

func (s *kdusim) stop() {
	s.ln.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// dropConnections closes every live connection but keeps listening, so the
// session sees a dead link and reconnects.
func (s *kdusim) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *kdusim) setBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busyWrites = busy
}

func (s *kdusim) setCoilHook(fn func(address uint16, value bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCoilWrite = fn
}

func (s *kdusim) setHolding(address, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding[address] = value
}

func (s *kdusim) holdingValue(address uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[address]
}

// setGraph loads a high-resolution trace into the graph input registers.
// Call it before setResult so the trace is in place when the flag raises.
func (s *kdusim) setGraph(regs *registerMap, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i+1 < len(blob); i += 2 {
		s.input[regs.graphData+uint16(i/2)] = binary.BigEndian.Uint16(blob[i:])
	}
}

// setResult loads a result block into the input registers and raises the
// new-result flag, like a completed tightening would.
func (s *kdusim) setResult(regs *registerMap, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i+1 < len(blob); i += 2 {
		s.input[regs.resultData+uint16(i/2)] = binary.BigEndian.Uint16(blob[i:])
	}
	s.input[regs.newResultFlag] = 1
}

func (s *kdusim) writeLog() []simWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]simWrite(nil), s.writes...)
}

func (s *kdusim) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *kdusim) serveConn(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, tcpHeaderLength)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 || length > maxPDULength+1 {
			return
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		resp := s.handlePDU(pdu)

		frame := make([]byte, tcpHeaderLength+len(resp))
		copy(frame[0:4], header[0:4]) // echo transaction and protocol ids
		binary.BigEndian.PutUint16(frame[4:6], uint16(len(resp)+1))
		frame[6] = header[6]
		copy(frame[7:], resp)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func (s *kdusim) handlePDU(pdu []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc := pdu[0]
	exception := func(code uint8) []byte { return []byte{fc | 0x80, code} }
	if len(pdu) < 5 {
		return exception(0x03)
	}
	address := binary.BigEndian.Uint16(pdu[1:3])
	arg := binary.BigEndian.Uint16(pdu[3:5])

	switch fc {
	case funcCodeReadHoldingRegisters, funcCodeReadInputRegisters:
		table := s.holding
		if fc == funcCodeReadInputRegisters {
			table = s.input
		}
		resp := make([]byte, 2+int(arg)*2)
		resp[0] = fc
		resp[1] = byte(int(arg) * 2)
		for i := uint16(0); i < arg; i++ {
			binary.BigEndian.PutUint16(resp[2+i*2:], table[address+i])
		}
		// The new-result flag clears itself once read.
		if fc == funcCodeReadInputRegisters {
			for i := uint16(0); i < arg; i++ {
				if address+i == legacyRegisters.newResultFlag {
					s.input[address+i] = 0
				}
			}
		}
		return resp

	case funcCodeWriteSingleCoil:
		if s.busyWrites {
			return exception(exceptionCodeBusy)
		}
		on := arg == 0xFF00
		s.coils[address] = on
		value := uint16(0)
		if on {
			value = 1
		}
		s.writes = append(s.writes, simWrite{funcCode: fc, address: address, value: value})
		if s.onCoilWrite != nil {
			hook := s.onCoilWrite
			s.mu.Unlock()
			hook(address, on)
			s.mu.Lock()
		}
		return append([]byte(nil), pdu[:5]...)

	case funcCodeWriteSingleRegister:
		if s.busyWrites {
			return exception(exceptionCodeBusy)
		}
		s.holding[address] = arg
		s.writes = append(s.writes, simWrite{funcCode: fc, address: address, value: arg})
		return append([]byte(nil), pdu[:5]...)

	case funcCodeWriteMultipleRegisters:
		if s.busyWrites {
			return exception(exceptionCodeBusy)
		}
		if len(pdu) < 6 {
			return exception(0x03)
		}
		byteCount := int(pdu[5])
		if byteCount != int(arg)*2 || len(pdu) != 6+byteCount {
			return exception(0x03)
		}
		data := append([]byte(nil), pdu[6:]...)
		for i := uint16(0); i < arg; i++ {
			s.holding[address+i] = binary.BigEndian.Uint16(data[i*2:])
		}
		s.writes = append(s.writes, simWrite{funcCode: fc, address: address, value: arg, data: data})
		resp := make([]byte, 5)
		resp[0] = fc
		binary.BigEndian.PutUint16(resp[1:3], address)
		binary.BigEndian.PutUint16(resp[3:5], arg)
		return resp

	default:
		return exception(0x01)
	}
}
