// Package session drives a MeshCore companion radio over a framed
// transport: connection lifecycle, contact/channel/message
// synchronization, inbound dispatch and outbound operations.
//
// All session state lives on a single dispatch goroutine. Transport
// frames, timer fires and public API calls are posted to it as
// closures; nothing mutates state off-thread. Disconnect bumps a
// generation counter so callbacks armed before it no-op after.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/radio"
	"github.com/zjs81/meshcore-open/internal/store"
	"github.com/zjs81/meshcore-open/internal/transport"
)

var (
	// ErrNotConnected rejects an operation that needs a live link.
	ErrNotConnected = errors.New("session not connected")
	// ErrTimeout reports a device that stopped answering a command.
	ErrTimeout = errors.New("device response timed out")
	// ErrSessionClosed rejects calls after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrBusy rejects a lifecycle request that does not fit the
	// current state.
	ErrBusy = errors.New("session busy")
)

const (
	postQueueDepth     = 256
	defaultCmdTimeout  = 5 * time.Second
	appStartTimeout    = 3 * time.Second
	dialAttempts       = 3
	dialRetryStep      = time.Second
	reconnectBase      = time.Second
	reconnectCap       = 30 * time.Second
	maxClockDrift      = 10 * time.Second
	batteryPollPeriod  = 60 * time.Second
	defaultMaxChannels = 8
)

// command is one outbound frame waiting for its reply. The device
// answers strictly in lockstep, so at most one command is in flight;
// responses that match no expectation are handled as unsolicited.
type command struct {
	name    string
	frame   []byte
	expect  map[protocol.Code]bool
	timeout time.Duration
	// handle consumes one accepted frame and reports whether the
	// command is complete. An incomplete command stays in flight with a
	// re-armed deadline (record streams, out-of-order slot reports).
	handle    func(protocol.Frame) bool
	onTimeout func()
	fail      func(error)
}

func (c *command) accepts(code protocol.Code) bool {
	return code == protocol.RespErr || c.expect[code]
}

type pendingAck struct {
	msgID      string
	contactKey string
	sel        PathSelection
	// heard flips when our own flood copy comes back before the ack;
	// the timeout then keeps the softer status.
	heard bool
}

// Session is the device driver. Construct with New, stop with Close.
type Session struct {
	cfg    Config
	log    *slog.Logger
	clock  Clock
	sched  Scheduler
	st     Store
	arch   Archiver
	events Events
	dial   DialFunc
	keys   channelSealer

	q         chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the dispatch goroutine.
	state ConnectionState
	gen   int

	tr         transport.Transport
	connCtx    context.Context
	connCancel context.CancelFunc
	timers     map[string]Timer
	inflight   *command
	cmdq       []*command

	wantRun      bool
	reconnecting bool
	dialBudget   int
	dialAttempt  int
	backoff      time.Duration
	connWaiters  []func(error)

	self     *protocol.SelfInfo
	dev      *protocol.DeviceInfo
	battery  *protocol.BatteryInfo
	radioPar radio.Params

	contactSyncing bool
	contactPending bool
	contactSynced  bool
	refreshing     bool
	stash          []protocol.Frame
	channelSyncing bool
	channelCursor  int
	channelAttempt int
	channelTotal   int
	channelCache   map[int]store.Channel
	channelKeys    []channelKey
	queueActive    bool
	queueAttempt   int
	queuePending   bool
	acks           map[uint32]pendingAck
	pendingLogins  map[[6]byte]string
	traceWaiters   map[uint32]func(*protocol.TraceData, error)
	binaryWaiters  map[[6]byte]func([]byte, error)
	recent         []store.Message
}

type channelSealer interface {
	Seal(kind string, plaintext []byte) ([]byte, error)
	Open(kind string, sealed []byte) ([]byte, error)
}

type channelKey struct {
	idx int
	psk [16]byte
}

// New builds a session and starts its dispatch goroutine. The session
// stays disconnected until Connect.
func New(cfg Config, deps Deps) *Session {
	cfg.fillDefaults()
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = RealClock{}
	}
	sched := deps.Sched
	if sched == nil {
		sched = RealScheduler{}
	}
	s := &Session{
		cfg:           cfg,
		log:           log,
		clock:         clock,
		sched:         sched,
		st:            deps.Store,
		arch:          deps.Archive,
		events:        deps.Events,
		dial:          deps.Dial,
		q:             make(chan func(), postQueueDepth),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		timers:        make(map[string]Timer),
		channelTotal:  defaultMaxChannels,
		channelCache:  make(map[int]store.Channel),
		acks:          make(map[uint32]pendingAck),
		pendingLogins: make(map[[6]byte]string),
		traceWaiters:  make(map[uint32]func(*protocol.TraceData, error)),
		binaryWaiters: make(map[[6]byte]func([]byte, error)),
	}
	if deps.Keys != nil {
		s.keys = deps.Keys
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.q:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post hands a closure to the dispatch goroutine.
func (s *Session) post(fn func()) error {
	select {
	case s.q <- fn:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	}
}

// postGen posts a closure that no-ops if the session has moved to a new
// generation since it was armed.
func (s *Session) postGen(gen int, fn func()) {
	_ = s.post(func() {
		if s.gen != gen {
			return
		}
		fn()
	})
}

// Close disconnects, stops the dispatch goroutine and waits for it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		select {
		case s.q <- func() {
			s.teardown(true)
			s.setState(StateDisconnected)
			close(s.quit)
		}:
		case <-s.quit:
		}
		<-s.done
	})
	return nil
}

// schedule arms (or re-arms) the named one-shot timer. The callback is
// posted to the dispatch goroutine and dropped if the generation moved.
func (s *Session) schedule(name string, d time.Duration, fn func()) {
	gen := s.gen
	if prev := s.timers[name]; prev != nil {
		prev.Stop()
	}
	s.timers[name] = s.sched.AfterFunc(d, func() {
		s.postGen(gen, func() {
			delete(s.timers, name)
			fn()
		})
	})
}

func (s *Session) cancelTimer(name string) {
	if t := s.timers[name]; t != nil {
		t.Stop()
		delete(s.timers, name)
	}
}

func (s *Session) cancelAllTimers() {
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
}

func (s *Session) setState(st ConnectionState) {
	if s.state == st {
		return
	}
	s.state = st
	s.log.Info("session state", "state", st.String())
	s.archive("state", map[string]any{"state": st.String()})
	s.events.stateChange(st)
}

// archive appends one flight-recorder entry; persistence hiccups never
// disturb the link.
func (s *Session) archive(kind string, data any) {
	if s.arch == nil {
		return
	}
	if err := s.arch.Append(kind, data); err != nil {
		s.log.Debug("archive append failed", "kind", kind, "err", err)
	}
}

func (s *Session) archiveFrame(dir string, frame []byte) {
	if s.arch == nil {
		return
	}
	s.archive(dir, map[string]any{"hex": hex.EncodeToString(frame)})
}

// enqueue queues a command and sends it immediately when the link is
// idle.
func (s *Session) enqueue(c *command) {
	s.cmdq = append(s.cmdq, c)
	s.pumpCommands()
}

func (s *Session) pumpCommands() {
	if s.inflight != nil || len(s.cmdq) == 0 || s.tr == nil {
		return
	}
	c := s.cmdq[0]
	s.cmdq = s.cmdq[1:]
	s.inflight = c
	s.archiveFrame("tx", c.frame)
	if err := s.tr.Send(c.frame); err != nil {
		s.log.Warn("send failed", "cmd", c.name, "err", err)
		s.inflight = nil
		if c.fail != nil {
			c.fail(err)
		}
		// A dead link surfaces through the transport error channel;
		// leave the rest of the queue for teardown to fail.
		return
	}
	s.armCmdTimer(c)
}

func (s *Session) armCmdTimer(c *command) {
	to := c.timeout
	if to <= 0 {
		to = defaultCmdTimeout
	}
	s.schedule("cmd", to, s.onCommandTimeout)
}

func (s *Session) onCommandTimeout() {
	c := s.inflight
	if c == nil {
		return
	}
	s.inflight = nil
	s.log.Warn("command timed out", "cmd", c.name)
	switch {
	case c.onTimeout != nil:
		c.onTimeout()
	case c.fail != nil:
		c.fail(ErrTimeout)
	}
	s.pumpCommands()
}

func (s *Session) finishCommand() {
	s.cancelTimer("cmd")
	s.inflight = nil
	s.pumpCommands()
}

// failPending fails the in-flight command and everything queued behind
// it. Used by teardown.
func (s *Session) failPending(err error) {
	if c := s.inflight; c != nil {
		s.inflight = nil
		if c.fail != nil {
			c.fail(err)
		}
	}
	for _, c := range s.cmdq {
		if c.fail != nil {
			c.fail(err)
		}
	}
	s.cmdq = nil
}

// watch pumps one transport's frames and errors into the dispatch
// queue until the transport's read loop exits.
func (s *Session) watch(tr transport.Transport) {
	gen := s.gen
	go func() {
		for {
			select {
			case frame, ok := <-tr.Frames():
				if !ok {
					s.postGen(gen, func() {
						s.onTransportError(errors.New("link closed"))
					})
					return
				}
				s.postGen(gen, func() { s.handleFrame(frame) })
			case err := <-tr.Errors():
				s.postGen(gen, func() { s.onTransportError(err) })
			}
		}
	}()
}

// call posts op and waits for its reply callback, honoring ctx. The
// operation keeps running on the dispatch goroutine even if the caller
// gives up waiting.
func call[T any](s *Session, ctx context.Context, op func(done func(T, error))) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	ch := make(chan result, 1)
	err := s.post(func() {
		op(func(v T, err error) {
			ch <- result{v, err}
		})
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.quit:
		return zero, ErrSessionClosed
	}
}

// State reports the current lifecycle state.
func (s *Session) State() ConnectionState {
	st, err := call(s, context.Background(), func(done func(ConnectionState, error)) {
		done(s.state, nil)
	})
	if err != nil {
		return StateDisconnected
	}
	return st
}

// SelfInfo returns the device identity, nil before the handshake.
func (s *Session) SelfInfo() *protocol.SelfInfo {
	si, _ := call(s, context.Background(), func(done func(*protocol.SelfInfo, error)) {
		if s.self == nil {
			done(nil, nil)
			return
		}
		cp := *s.self
		done(&cp, nil)
	})
	return si
}

// DeviceInfo returns the firmware capability report, nil before it
// arrives.
func (s *Session) DeviceInfo() *protocol.DeviceInfo {
	di, _ := call(s, context.Background(), func(done func(*protocol.DeviceInfo, error)) {
		if s.dev == nil {
			done(nil, nil)
			return
		}
		cp := *s.dev
		done(&cp, nil)
	})
	return di
}

// RadioParams returns the last known radio settings.
func (s *Session) RadioParams() radio.Params {
	p, _ := call(s, context.Background(), func(done func(radio.Params, error)) {
		done(s.radioPar, nil)
	})
	return p
}

// Battery returns the last battery reading and its percent estimate;
// nil before one arrives.
func (s *Session) Battery() (*protocol.BatteryInfo, int) {
	type batt struct {
		bi  *protocol.BatteryInfo
		pct int
	}
	b, _ := call(s, context.Background(), func(done func(batt, error)) {
		if s.battery == nil {
			done(batt{}, nil)
			return
		}
		cp := *s.battery
		done(batt{&cp, radio.BatteryPercent(s.cfg.Chemistry, cp.Millivolts)}, nil)
	})
	return b.bi, b.pct
}

func (s *Session) selfName() string {
	if s.self == nil {
		return ""
	}
	return s.self.Name
}

func (s *Session) selfKeyHex() string {
	if s.self == nil {
		return ""
	}
	return hex.EncodeToString(s.self.PublicKey[:])
}

func keyPrefix(publicKey string) ([6]byte, error) {
	var p [6]byte
	raw, err := hex.DecodeString(publicKey)
	if err != nil || len(raw) < 6 {
		return p, fmt.Errorf("bad contact key %q", publicKey)
	}
	copy(p[:], raw[:6])
	return p, nil
}

func pubkeyFromHex(publicKey string) ([32]byte, error) {
	var k [32]byte
	raw, err := hex.DecodeString(publicKey)
	if err != nil || len(raw) != 32 {
		return k, fmt.Errorf("bad contact key %q", publicKey)
	}
	copy(k[:], raw)
	return k, nil
}

func nowUnix(c Clock) float64 {
	return float64(c.Now().UnixNano()) / float64(time.Second)
}
