package session

import (
	"context"
	"fmt"
	"time"

	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/radio"
	"github.com/zjs81/meshcore-open/internal/store"
	"github.com/zjs81/meshcore-open/internal/transport"
)

func codes(cs ...protocol.Code) map[protocol.Code]bool {
	m := make(map[protocol.Code]bool, len(cs))
	for _, c := range cs {
		m[c] = true
	}
	return m
}

// Connect brings the session up: transport dial with bounded retry,
// identity handshake, device time sync. It returns once the session
// reaches Connected or the attempt is exhausted. A session that was
// connected before keeps reconnecting on its own; Connect is for the
// first transition (or after an explicit Disconnect).
func (s *Session) Connect(ctx context.Context) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		s.opConnect(func(err error) { done(struct{}{}, err) })
	})
	return err
}

func (s *Session) opConnect(done func(error)) {
	switch s.state {
	case StateConnected:
		done(nil)
		return
	case StateScanning, StateConnecting:
		// Join the transition already in flight.
		s.connWaiters = append(s.connWaiters, done)
		return
	case StateDisconnecting:
		done(ErrBusy)
		return
	}
	s.cancelTimer("reconnect")
	s.backoff = 0
	s.reconnecting = false
	s.dialBudget = dialAttempts
	s.dialAttempt = 0
	s.connWaiters = append(s.connWaiters, done)
	s.beginDial()
}

// Disconnect tears the session down on purpose: every timer and
// in-flight sync is cancelled, transient state drops to defaults, and
// no reconnect is scheduled.
func (s *Session) Disconnect(ctx context.Context) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		s.opDisconnect()
		done(struct{}{}, nil)
	})
	return err
}

func (s *Session) opDisconnect() {
	if s.state == StateDisconnected && s.timers["reconnect"] == nil && s.timers["dial"] == nil {
		return
	}
	s.setState(StateDisconnecting)
	s.teardown(true)
	s.setState(StateDisconnected)
}

func (s *Session) notifyConnectWaiters(err error) {
	waiters := s.connWaiters
	s.connWaiters = nil
	for _, w := range waiters {
		w(err)
	}
}

func (s *Session) beginDial() {
	s.dialAttempt++
	s.setState(StateScanning)
	tr := s.dial()
	ctx, cancel := context.WithCancel(context.Background())
	s.connCtx, s.connCancel = ctx, cancel
	gen := s.gen
	go func() {
		err := tr.Connect(ctx)
		posted := s.post(func() {
			if s.gen != gen {
				_ = tr.Close()
				return
			}
			s.dialDone(tr, err)
		})
		if posted != nil {
			_ = tr.Close()
		}
	}()
}

func (s *Session) dialDone(tr transport.Transport, err error) {
	if err != nil {
		s.log.Warn("transport connect failed", "attempt", s.dialAttempt, "err", err)
		_ = tr.Close()
		s.linkFailed(fmt.Errorf("transport connect: %w", err))
		return
	}
	s.tr = tr
	s.setState(StateConnecting)
	s.watch(tr)
	s.sendAppStart(false)
}

// linkFailed routes a failed dial or handshake: established sessions go
// to the reconnect backoff, an initial Connect walks its bounded dial
// ladder and then reports to the caller.
func (s *Session) linkFailed(err error) {
	s.teardown(false)
	if s.wantRun {
		s.setState(StateDisconnected)
		s.armReconnect()
		return
	}
	if s.dialAttempt < s.dialBudget {
		delay := time.Duration(s.dialAttempt) * dialRetryStep
		s.log.Info("retrying connect", "in", delay)
		s.schedule("dial", delay, s.beginDial)
		return
	}
	s.setState(StateDisconnected)
	s.notifyConnectWaiters(err)
}

// armReconnect schedules the next automatic reconnect attempt. Delays
// double from 1s to a 30s cap and reset only on a successful reconnect
// or an explicit disconnect.
func (s *Session) armReconnect() {
	if s.backoff == 0 {
		s.backoff = reconnectBase
	}
	delay := s.backoff
	if next := s.backoff * 2; next > reconnectCap {
		s.backoff = reconnectCap
	} else {
		s.backoff = next
	}
	s.log.Info("reconnect scheduled", "in", delay)
	s.reconnecting = true
	s.schedule("reconnect", delay, func() {
		s.dialBudget = 1
		s.dialAttempt = 0
		s.beginDial()
	})
}

func (s *Session) onTransportError(err error) {
	if s.tr == nil {
		return
	}
	s.log.Warn("link lost", "err", err)
	s.archive("link_error", map[string]any{"err": err.Error()})
	s.notifyConnectWaiters(err)
	s.linkFailed(err)
}

// sendAppStart opens the companion protocol. The device answers with
// SelfInfo; if it does not within the deadline the request is re-issued
// once before the attempt counts as failed.
func (s *Session) sendAppStart(isRetry bool) {
	s.enqueue(&command{
		name:    "app start",
		frame:   protocol.AppStart(s.cfg.AppVer, s.cfg.AppName),
		expect:  codes(protocol.RespSelfInfo),
		timeout: appStartTimeout,
		handle: func(f protocol.Frame) bool {
			switch v := f.(type) {
			case *protocol.SelfInfo:
				s.onSelfInfo(v)
			case *protocol.DeviceErr:
				s.log.Warn("app start rejected", "err", v)
				s.linkFailed(v)
			}
			return true
		},
		onTimeout: func() {
			if !isRetry {
				s.log.Warn("self info overdue, re-requesting identity")
				s.sendAppStart(true)
				return
			}
			s.linkFailed(fmt.Errorf("identity handshake: %w", ErrTimeout))
		},
	})
}

func (s *Session) onSelfInfo(si *protocol.SelfInfo) {
	s.self = si
	s.radioPar = radio.Params{
		FreqHz:      si.FreqHz,
		BandwidthHz: si.BandwidthHz,
		SF:          si.SF,
		CR:          si.CR,
	}
	s.log.Info("device identity", "name", si.Name, "key", s.selfKeyHex()[:12])
	s.archive("self_info", map[string]any{
		"name": si.Name, "key": s.selfKeyHex(),
		"freq_hz": si.FreqHz, "bw_hz": si.BandwidthHz, "sf": si.SF, "cr": si.CR,
	})
	if s.events.OnSelfInfo != nil {
		s.events.OnSelfInfo(si)
	}
	if s.cfg.TimeSync {
		s.syncDeviceTime()
	} else {
		s.helloDone()
	}
}

// syncDeviceTime reads the device clock and corrects it when the drift
// exceeds the tolerance. Failures never block the connect.
func (s *Session) syncDeviceTime() {
	s.enqueue(&command{
		name:   "get device time",
		frame:  protocol.GetDeviceTime(),
		expect: codes(protocol.RespCurrTime),
		handle: func(f protocol.Frame) bool {
			if ct, ok := f.(*protocol.CurrTime); ok {
				now := s.clock.Now().Unix()
				drift := time.Duration(int64(ct.Epoch)-now) * time.Second
				if drift < 0 {
					drift = -drift
				}
				if drift > maxClockDrift {
					s.log.Info("correcting device clock", "drift", drift)
					s.archive("time_sync", map[string]any{"device": ct.Epoch, "host": now})
					s.enqueue(&command{
						name:   "set device time",
						frame:  protocol.SetDeviceTime(uint32(s.clock.Now().Unix())),
						expect: codes(protocol.RespOk),
						handle: func(protocol.Frame) bool { return true },
					})
				}
			}
			s.helloDone()
			return true
		},
		onTimeout: func() {
			s.log.Warn("device time query timed out")
			s.helloDone()
		},
	})
}

// helloDone flips the session to Connected and kicks the capability
// queries and the sync passes.
func (s *Session) helloDone() {
	s.setState(StateConnected)
	s.backoff = 0
	s.reconnecting = false
	s.wantRun = true
	s.dialAttempt = 0
	s.notifyConnectWaiters(nil)
	s.warmDedupWindow()
	s.loadChannelKeys()
	s.queryDeviceInfo()
	s.queryBattery()
	s.queryRadioParams()
	s.startContactSync()
	s.startChannelSync()
	s.schedule("battery", batteryPollPeriod, s.pollBattery)
}

func (s *Session) queryDeviceInfo() {
	s.enqueue(&command{
		name:   "device query",
		frame:  protocol.DeviceQuery(s.cfg.AppVer),
		expect: codes(protocol.RespDeviceInfo),
		handle: func(f protocol.Frame) bool {
			if di, ok := f.(*protocol.DeviceInfo); ok {
				s.onDeviceInfo(di)
			}
			return true
		},
	})
}

func (s *Session) onDeviceInfo(di *protocol.DeviceInfo) {
	s.dev = di
	s.log.Info("device info",
		"fw", di.FirmwareVer, "model", di.Model, "version", di.Version)
	s.archive("device_info", map[string]any{
		"fw": di.FirmwareVer, "model": di.Model, "version": di.Version,
		"max_contacts": di.MaxContacts, "max_channels": di.MaxChannels,
	})
	if s.events.OnDeviceInfo != nil {
		s.events.OnDeviceInfo(di)
	}
	s.growChannelTotal(di.MaxChannels)
}

func (s *Session) queryBattery() {
	s.enqueue(&command{
		name:   "battery",
		frame:  protocol.GetBatteryVoltage(),
		expect: codes(protocol.RespBatteryVoltage),
		handle: func(f protocol.Frame) bool {
			if bi, ok := f.(*protocol.BatteryInfo); ok {
				s.battery = bi
				pct := radio.BatteryPercent(s.cfg.Chemistry, bi.Millivolts)
				s.archive("battery", map[string]any{"mv": bi.Millivolts, "pct": pct})
				if s.events.OnBattery != nil {
					s.events.OnBattery(bi, pct)
				}
			}
			return true
		},
	})
}

func (s *Session) pollBattery() {
	if s.state != StateConnected {
		return
	}
	s.queryBattery()
	s.schedule("battery", batteryPollPeriod, s.pollBattery)
}

func (s *Session) queryRadioParams() {
	s.enqueue(&command{
		name:   "radio params",
		frame:  protocol.GetRadioParams(),
		expect: codes(protocol.RespRadioParams),
		handle: func(f protocol.Frame) bool {
			if rp, ok := f.(*protocol.RadioParams); ok {
				s.radioPar = radio.Params{
					FreqHz:      rp.FreqHz,
					BandwidthHz: rp.BandwidthHz,
					SF:          rp.SF,
					CR:          rp.CR,
				}
				s.archive("radio_params", map[string]any{
					"freq_hz": rp.FreqHz, "bw_hz": rp.BandwidthHz,
					"sf": rp.SF, "cr": rp.CR,
				})
			}
			return true
		},
	})
}

// teardown cancels everything tied to the current link. full is the
// manual-disconnect flavor: it also drops device identity, caches and
// the reconnect arming; a transport-initiated teardown keeps those for
// continuity.
func (s *Session) teardown(full bool) {
	s.gen++
	s.cancelAllTimers()
	s.failPending(ErrNotConnected)
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
		s.connCtx = nil
	}
	if s.tr != nil {
		_ = s.tr.Close()
		s.tr = nil
	}

	s.contactSyncing = false
	s.contactPending = false
	s.contactSynced = false
	s.refreshing = false
	s.stash = nil
	s.channelSyncing = false
	s.channelCursor = 0
	s.channelAttempt = 0
	s.queueActive = false
	s.queuePending = false
	s.queueAttempt = 0

	for _, p := range s.acks {
		if err := s.st.UpdateMessageStatus(p.msgID, "failed", 0); err != nil {
			s.log.Debug("status update failed", "id", p.msgID, "err", err)
		}
		s.events.messageStatus(p.msgID, "failed", 0)
	}
	s.acks = make(map[uint32]pendingAck)

	for _, w := range s.traceWaiters {
		w(nil, ErrNotConnected)
	}
	s.traceWaiters = make(map[uint32]func(*protocol.TraceData, error))
	for _, w := range s.binaryWaiters {
		w(nil, ErrNotConnected)
	}
	s.binaryWaiters = make(map[[6]byte]func([]byte, error))
	s.pendingLogins = make(map[[6]byte]string)

	if full {
		s.self = nil
		s.dev = nil
		s.battery = nil
		s.radioPar = radio.Params{}
		s.backoff = 0
		s.wantRun = false
		s.reconnecting = false
		s.dialAttempt = 0
		s.dialBudget = 0
		s.channelTotal = defaultMaxChannels
		s.channelCache = make(map[int]store.Channel)
		s.channelKeys = nil
		s.recent = nil
		s.notifyConnectWaiters(ErrNotConnected)
	}
}
