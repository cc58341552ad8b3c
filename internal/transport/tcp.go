package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// TCP link framing: client frames start with 0x3c, device frames with
// 0x3e, both followed by a little-endian 16-bit payload length.
const (
	tcpMarkerOut = 0x3c
	tcpMarkerIn  = 0x3e

	tcpWriteTimeout = 5 * time.Second
)

// TCP speaks the device's WiFi bridge protocol.
type TCP struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	frames chan []byte
	errs   chan error
	stop   chan struct{}
	once   sync.Once
}

// NewTCP returns a transport for addr ("host:port"). Connect must be
// called before Send.
func NewTCP(addr string) *TCP {
	return &TCP{
		addr:   addr,
		frames: make(chan []byte, frameChanDepth),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

func (t *TCP) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()
	go t.readLoop(conn)
	return nil
}

func (t *TCP) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return ErrClosed
	}
	buf := make([]byte, 3+len(frame))
	buf[0] = tcpMarkerOut
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(frame)))
	copy(buf[3:], frame)
	t.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("tcp send: %w", err)
	}
	return nil
}

func (t *TCP) Frames() <-chan []byte { return t.frames }
func (t *TCP) Errors() <-chan error  { return t.errs }

func (t *TCP) Close() error {
	t.once.Do(func() { close(t.stop) })
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop scans the stream for the inbound marker and delivers frame
// payloads. Bytes before a marker, and length fields over the cap, are
// discarded so a garbled stream resynchronizes on the next frame.
func (t *TCP) readLoop(conn net.Conn) {
	defer close(t.frames)
	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			t.fail(err)
			return
		}
		if b != tcpMarkerIn {
			continue
		}
		var head [2]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			t.fail(err)
			return
		}
		sz := binary.LittleEndian.Uint16(head[:])
		if sz == 0 || sz > maxFrameLen {
			continue
		}
		frame := make([]byte, sz)
		if _, err := io.ReadFull(r, frame); err != nil {
			t.fail(err)
			return
		}
		select {
		case t.frames <- frame:
		case <-t.stop:
			return
		}
	}
}

func (t *TCP) fail(err error) {
	select {
	case <-t.stop:
		return
	default:
	}
	select {
	case t.errs <- fmt.Errorf("tcp read: %w", err):
	default:
	}
}
