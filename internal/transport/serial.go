package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// Serial link framing: 0xC0 0x3E, big-endian 16-bit payload length, the
// payload, then a Fletcher-16 checksum of the payload.
const (
	serialMark0 = 0xC0
	serialMark1 = 0x3E

	// DefaultBaudRate matches the device's USB bridge.
	DefaultBaudRate = 115200
)

// SerialPort speaks the device's USB/UART bridge protocol.
type SerialPort struct {
	name string
	baud int

	mu     sync.Mutex
	port   io.ReadWriteCloser
	closed bool

	frames chan []byte
	errs   chan error
	stop   chan struct{}
	once   sync.Once
}

// NewSerial returns a transport for the named port. A zero baud rate
// selects DefaultBaudRate.
func NewSerial(name string, baud int) *SerialPort {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &SerialPort{
		name:   name,
		baud:   baud,
		frames: make(chan []byte, frameChanDepth),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

func (s *SerialPort) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.name, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.name, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		port.Close()
		return ErrClosed
	}
	s.port = port
	s.mu.Unlock()
	go s.readLoop(port)
	return nil
}

func (s *SerialPort) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.port == nil {
		return ErrClosed
	}
	buf := make([]byte, 0, 6+len(frame))
	buf = append(buf, serialMark0, serialMark1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(frame)))
	buf = append(buf, frame...)
	buf = binary.BigEndian.AppendUint16(buf, fletcher16(frame))
	if _, err := s.port.Write(buf); err != nil {
		return fmt.Errorf("serial send: %w", err)
	}
	return nil
}

func (s *SerialPort) Frames() <-chan []byte { return s.frames }
func (s *SerialPort) Errors() <-chan error  { return s.errs }

func (s *SerialPort) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.closed = true
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port != nil {
		return port.Close()
	}
	return nil
}

// readLoop scans for the two-byte frame mark and delivers payloads whose
// checksum verifies. Corrupt frames are dropped; the scan resumes at the
// next mark.
func (s *SerialPort) readLoop(port io.Reader) {
	defer close(s.frames)
	r := bufio.NewReader(port)
	for {
		b, err := r.ReadByte()
		if err != nil {
			s.fail(err)
			return
		}
		if b != serialMark0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			s.fail(err)
			return
		}
		if next[0] != serialMark1 {
			continue
		}
		r.Discard(1)
		var head [2]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			s.fail(err)
			return
		}
		sz := binary.BigEndian.Uint16(head[:])
		if sz == 0 || sz > maxFrameLen {
			continue
		}
		body := make([]byte, int(sz)+2)
		if _, err := io.ReadFull(r, body); err != nil {
			s.fail(err)
			return
		}
		frame := body[:sz]
		sum := binary.BigEndian.Uint16(body[sz:])
		if sum != fletcher16(frame) {
			continue
		}
		select {
		case s.frames <- frame:
		case <-s.stop:
			return
		}
	}
}

func (s *SerialPort) fail(err error) {
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.errs <- fmt.Errorf("serial read: %w", err):
	default:
	}
}

// fletcher16 is the checksum used by the UART bridge framing.
func fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}
