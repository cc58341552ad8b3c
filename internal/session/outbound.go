package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/radio"
	"github.com/zjs81/meshcore-open/internal/store"
)

const (
	signChunkSize  = 128
	replyWaitFloor = 30 * time.Second
	// cryptoOverhead approximates the envelope around the text on the
	// air: destination/source hashes, timestamp, MAC and cipher padding.
	cryptoOverhead = 32
)

// SendText sends a direct message to a contact and returns its message
// id. The id resolves to "sent" when the device radios it and to
// "delivered"/"failed" when the ack arrives or times out.
func (s *Session) SendText(ctx context.Context, contactKey, text string) (string, error) {
	return call(s, ctx, func(done func(string, error)) {
		s.opSendText(contactKey, text, done)
	})
}

func (s *Session) opSendText(contactKey, text string, done func(string, error)) {
	if s.state != StateConnected {
		done("", ErrNotConnected)
		return
	}
	ct, err := s.st.ContactByKey(contactKey)
	if err == nil && ct == nil {
		err = fmt.Errorf("unknown contact %q", contactKey)
	}
	if err != nil {
		done("", err)
		return
	}
	prefix, err := keyPrefix(ct.PublicKey)
	if err != nil {
		done("", err)
		return
	}
	sel := s.resolvePathFor(ct)
	s.pushRouteIfChanged(ct, sel)

	ts := uint32(s.clock.Now().Unix())
	id := messageID(s.selfName(), ts, text)
	msg := store.Message{
		ID:         id,
		Kind:       "contact",
		Author:     s.selfName(),
		ContactKey: ct.PublicKey,
		Text:       text,
		SenderTS:   ts,
		ReceivedAt: nowUnix(s.clock),
		Outgoing:   true,
		Status:     "sending",
		PathLen:    sel.Len,
		Path:       sel.Path,
	}
	if _, err := s.st.InsertMessage(msg); err != nil {
		done("", err)
		return
	}
	s.remember(msg)
	s.events.message(msg)

	key := ct.PublicKey
	s.enqueue(&command{
		name:   "send text",
		frame:  protocol.SendTxtMsg(protocol.TxtTypePlain, 0, ts, prefix, text),
		expect: codes(protocol.RespSent),
		handle: func(f protocol.Frame) bool {
			switch v := f.(type) {
			case *protocol.Sent:
				s.onSent(id, key, sel, len(text), v)
				done(id, nil)
			case *protocol.DeviceErr:
				s.setMessageStatus(id, "failed", 0)
				done(id, v)
			}
			return true
		},
		fail: func(err error) {
			s.setMessageStatus(id, "failed", 0)
			done(id, err)
		},
	})
}

// onSent registers the delivery-ack watch for an outbound message. The
// device suggests a timeout; when it does not, the airtime model
// supplies one.
func (s *Session) onSent(id, contactKey string, sel PathSelection, textLen int, v *protocol.Sent) {
	s.setMessageStatus(id, "sent", 0)
	if v.AckHash == 0 {
		return
	}
	timeout := time.Duration(v.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		payloadLen := textLen + cryptoOverhead
		if v.Flood || sel.Flood {
			timeout = radio.FloodTimeout(s.radioPar, payloadLen)
		} else {
			timeout = radio.DirectTimeout(s.radioPar, payloadLen, len(sel.Path))
		}
	}
	hash := v.AckHash
	s.acks[hash] = pendingAck{msgID: id, contactKey: contactKey, sel: sel}
	s.schedule(ackTimerName(hash), timeout, func() { s.fireAckTimeout(hash) })
	s.archive("sent", map[string]any{
		"id": id, "ack": fmt.Sprintf("%08x", hash), "timeout_ms": timeout.Milliseconds(),
	})
}

// pushRouteIfChanged teaches the device the route the selector picked
// when it differs from what the device holds, so the send that follows
// uses it.
func (s *Session) pushRouteIfChanged(ct *store.Contact, sel PathSelection) {
	selLen := sel.Len
	if sel.Flood {
		selLen = -1
	}
	if selLen == ct.PathLen && bytes.Equal(sel.Path, ct.Path) {
		return
	}
	pub, err := pubkeyFromHex(ct.PublicKey)
	if err != nil {
		return
	}
	var out [64]byte
	copy(out[:], sel.Path)
	s.log.Debug("updating device route",
		"contact", ct.PublicKey[:12], "source", sel.Source.String(), "len", selLen)
	s.enqueue(&command{
		name: "update route",
		frame: protocol.AddUpdateContact(pub, ct.Type, ct.Flags, int8(selLen), out,
			ct.Name, ct.LastAdvert, ct.Lat, ct.Lon),
		expect: codes(protocol.RespOk),
		handle: func(protocol.Frame) bool { return true },
	})
}

// SendChannelText broadcasts on a group channel and returns the message
// id. The device prepends our node name to the body on the air, so the
// echo maps back to the same id.
func (s *Session) SendChannelText(ctx context.Context, channelIdx int, text string) (string, error) {
	return call(s, ctx, func(done func(string, error)) {
		s.opSendChannelText(channelIdx, text, done)
	})
}

func (s *Session) opSendChannelText(channelIdx int, text string, done func(string, error)) {
	if s.state != StateConnected {
		done("", ErrNotConnected)
		return
	}
	if channelIdx < 0 || channelIdx > 0xFF {
		done("", fmt.Errorf("channel index %d out of range", channelIdx))
		return
	}
	ts := uint32(s.clock.Now().Unix())
	id := messageID(s.selfName(), ts, text)
	msg := store.Message{
		ID:         id,
		Kind:       "channel",
		Author:     s.selfName(),
		ChannelIdx: channelIdx,
		Text:       text,
		SenderTS:   ts,
		ReceivedAt: nowUnix(s.clock),
		Outgoing:   true,
		Status:     "sending",
	}
	if _, err := s.st.InsertMessage(msg); err != nil {
		done("", err)
		return
	}
	s.remember(msg)
	s.events.message(msg)

	s.enqueue(&command{
		name:   "send channel text",
		frame:  protocol.SendChannelTxtMsg(protocol.TxtTypePlain, uint8(channelIdx), ts, text),
		expect: codes(protocol.RespSent, protocol.RespOk),
		handle: func(f protocol.Frame) bool {
			switch v := f.(type) {
			case *protocol.Sent:
				s.onSent(id, "", PathSelection{Flood: true, Len: -1, Source: SourceFlood}, len(text), v)
				done(id, nil)
			case *protocol.Ok:
				s.setMessageStatus(id, "sent", 0)
				done(id, nil)
			case *protocol.DeviceErr:
				s.setMessageStatus(id, "failed", 0)
				done(id, v)
			}
			return true
		},
		fail: func(err error) {
			s.setMessageStatus(id, "failed", 0)
			done(id, err)
		},
	})
}

// simpleCommand wraps the many set-and-ack operations.
func (s *Session) simpleCommand(ctx context.Context, name string, frame []byte, onOk func()) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		if s.state != StateConnected {
			done(struct{}{}, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   name,
			frame:  frame,
			expect: codes(protocol.RespOk),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.Ok:
					if onOk != nil {
						onOk()
					}
					done(struct{}{}, nil)
				case *protocol.DeviceErr:
					done(struct{}{}, v)
				}
				return true
			},
			fail: func(err error) { done(struct{}{}, err) },
		})
	})
	return err
}

// Advert broadcasts our own advert, flooded across the mesh or
// zero-hop.
func (s *Session) Advert(ctx context.Context, flood bool) error {
	return s.simpleCommand(ctx, "self advert", protocol.SendSelfAdvert(flood), func() {
		s.archive("self_advert", map[string]any{"flood": flood})
	})
}

// SetAdvertName renames the node.
func (s *Session) SetAdvertName(ctx context.Context, name string) error {
	return s.simpleCommand(ctx, "set name", protocol.SetAdvertName(name), func() {
		if s.self != nil {
			s.self.Name = name
		}
	})
}

// SetAdvertLatLon pins the advertised location.
func (s *Session) SetAdvertLatLon(ctx context.Context, lat, lon float64) error {
	return s.simpleCommand(ctx, "set latlon", protocol.SetAdvertLatLon(lat, lon), func() {
		if s.self != nil {
			s.self.Lat, s.self.Lon = lat, lon
		}
	})
}

// SetRadio reconfigures the LoRa modem.
func (s *Session) SetRadio(ctx context.Context, freqHz, bandwidthHz uint32, sf, cr uint8) error {
	return s.simpleCommand(ctx, "set radio", protocol.SetRadioParams(freqHz, bandwidthHz, sf, cr), func() {
		s.radioPar = radio.Params{FreqHz: freqHz, BandwidthHz: bandwidthHz, SF: sf, CR: cr}
		s.archive("radio_params", map[string]any{
			"freq_hz": freqHz, "bw_hz": bandwidthHz, "sf": sf, "cr": cr,
		})
	})
}

// SetTxPower caps transmit power in dBm.
func (s *Session) SetTxPower(ctx context.Context, dbm uint8) error {
	return s.simpleCommand(ctx, "set tx power", protocol.SetTxPower(dbm), func() {
		if s.self != nil {
			s.self.TxPower = dbm
		}
	})
}

// SetTuning adjusts the repeater timing parameters.
func (s *Session) SetTuning(ctx context.Context, rxDelayBase, txDelayFactor uint32) error {
	return s.simpleCommand(ctx, "set tuning", protocol.SetTuningParams(rxDelayBase, txDelayFactor), nil)
}

// SetOtherParams sets the misc device policies: manual contact adds,
// telemetry answering and advert location precision.
func (s *Session) SetOtherParams(ctx context.Context, manualAddContacts bool, telemetryMode, advertLocPolicy uint8) error {
	return s.simpleCommand(ctx, "set other params",
		protocol.SetOtherParams(manualAddContacts, telemetryMode, advertLocPolicy), nil)
}

// ResetPath drops the learned route to a contact on the device and
// clears the local path history, forcing the next send to flood.
func (s *Session) ResetPath(ctx context.Context, contactKey string) error {
	pub, err := pubkeyFromHex(contactKey)
	if err != nil {
		return err
	}
	return s.simpleCommand(ctx, "reset path", protocol.ResetPath(pub), func() {
		if ct, err := s.st.ContactByKey(contactKey); err == nil && ct != nil {
			ct.PathLen = -1
			ct.Path = nil
			if err := s.st.UpsertContact(*ct); err != nil {
				s.log.Warn("path reset save failed", "contact", contactKey[:12], "err", err)
			}
		}
		if err := s.st.ClearPaths(contactKey); err != nil {
			s.log.Debug("path history clear failed", "err", err)
		}
		s.archive("path_reset", map[string]any{"contact": contactKey})
	})
}

// SetPathOverride pins the route used for a contact, bypassing both the
// device path and the automatic selector. A negative length forces
// flood. Local only; no device round trip.
func (s *Session) SetPathOverride(ctx context.Context, contactKey string, pathLen int, path []byte) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		err := s.st.SetOverride(contactKey, pathLen, path)
		if err == nil {
			s.archive("path_override", map[string]any{"contact": contactKey, "len": pathLen})
			s.notifyContactsChanged()
		}
		done(struct{}{}, err)
	})
	return err
}

// ClearPathOverride removes a pinned route.
func (s *Session) ClearPathOverride(ctx context.Context, contactKey string) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		err := s.st.ClearOverride(contactKey)
		if err == nil {
			s.archive("path_override", map[string]any{"contact": contactKey, "cleared": true})
			s.notifyContactsChanged()
		}
		done(struct{}{}, err)
	})
	return err
}

func (s *Session) notifyContactsChanged() {
	if s.events.OnContactsChanged == nil {
		return
	}
	if cts, err := s.st.Contacts(); err == nil {
		s.events.OnContactsChanged(cts)
	}
}

// RemoveContact deletes a contact from the device and the store.
func (s *Session) RemoveContact(ctx context.Context, contactKey string) error {
	pub, err := pubkeyFromHex(contactKey)
	if err != nil {
		return err
	}
	return s.simpleCommand(ctx, "remove contact", protocol.RemoveContact(pub), func() {
		if err := s.st.DeleteContact(contactKey); err != nil {
			s.log.Warn("contact delete failed", "contact", contactKey[:12], "err", err)
		}
		s.archive("contact_removed", map[string]any{"contact": contactKey})
		s.notifyContactsChanged()
	})
}

// ShareContact rebroadcasts a contact's advert so nearby nodes learn
// it.
func (s *Session) ShareContact(ctx context.Context, contactKey string) error {
	pub, err := pubkeyFromHex(contactKey)
	if err != nil {
		return err
	}
	return s.simpleCommand(ctx, "share contact", protocol.ShareContact(pub), nil)
}

// ExportContact returns the device's shareable blob (URI payload) for a
// contact.
func (s *Session) ExportContact(ctx context.Context, contactKey string) ([]byte, error) {
	pub, err := pubkeyFromHex(contactKey)
	if err != nil {
		return nil, err
	}
	return call(s, ctx, func(done func([]byte, error)) {
		if s.state != StateConnected {
			done(nil, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "export contact",
			frame:  protocol.ExportContact(pub),
			expect: codes(protocol.RespExportContact),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.ExportedContact:
					done(append([]byte(nil), v.Blob...), nil)
				case *protocol.DeviceErr:
					done(nil, v)
				}
				return true
			},
			fail: func(err error) { done(nil, err) },
		})
	})
}

// ImportContact feeds a shared contact blob to the device, then pulls
// the contact list to pick up the result.
func (s *Session) ImportContact(ctx context.Context, blob []byte) error {
	return s.simpleCommand(ctx, "import contact", protocol.ImportContact(blob), func() {
		s.startContactSync()
	})
}

// Reboot restarts the device. The link drops; the reconnect logic
// brings the session back.
func (s *Session) Reboot(ctx context.Context) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		if s.state != StateConnected {
			done(struct{}{}, ErrNotConnected)
			return
		}
		s.archive("reboot", nil)
		s.enqueue(&command{
			name:    "reboot",
			frame:   protocol.Reboot(),
			expect:  codes(protocol.RespOk),
			timeout: 2 * time.Second,
			handle: func(f protocol.Frame) bool {
				if v, ok := f.(*protocol.DeviceErr); ok {
					done(struct{}{}, v)
					return true
				}
				done(struct{}{}, nil)
				return true
			},
			// Most firmware reboots without answering.
			onTimeout: func() { done(struct{}{}, nil) },
			fail:      func(error) { done(struct{}{}, nil) },
		})
	})
	return err
}

// ExportPrivateKey reads the node's identity key. Errors when the
// firmware has the feature disabled.
func (s *Session) ExportPrivateKey(ctx context.Context) ([]byte, error) {
	return call(s, ctx, func(done func([]byte, error)) {
		if s.state != StateConnected {
			done(nil, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "export private key",
			frame:  protocol.ExportPrivateKey(),
			expect: codes(protocol.RespPrivateKey, protocol.RespDisabled),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.PrivateKey:
					done(append([]byte(nil), v.Key...), nil)
				case *protocol.Disabled:
					done(nil, errors.New("key export disabled on this device"))
				case *protocol.DeviceErr:
					done(nil, v)
				}
				return true
			},
			fail: func(err error) { done(nil, err) },
		})
	})
}

// ImportPrivateKey replaces the node identity. The device usually wants
// a reboot afterwards.
func (s *Session) ImportPrivateKey(ctx context.Context, key []byte) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		if s.state != StateConnected {
			done(struct{}{}, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "import private key",
			frame:  protocol.ImportPrivateKey(key),
			expect: codes(protocol.RespOk, protocol.RespDisabled),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.Ok:
					s.archive("key_import", nil)
					done(struct{}{}, nil)
				case *protocol.Disabled:
					done(struct{}{}, errors.New("key import disabled on this device"))
				case *protocol.DeviceErr:
					done(struct{}{}, v)
				}
				return true
			},
			fail: func(err error) { done(struct{}{}, err) },
		})
	})
	return err
}

// SendRawData transmits an opaque payload along an explicit path.
func (s *Session) SendRawData(ctx context.Context, path, payload []byte) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		if s.state != StateConnected {
			done(struct{}{}, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "send raw",
			frame:  protocol.SendRawData(path, payload),
			expect: codes(protocol.RespSent, protocol.RespOk),
			handle: func(f protocol.Frame) bool {
				if v, ok := f.(*protocol.DeviceErr); ok {
					done(struct{}{}, v)
					return true
				}
				done(struct{}{}, nil)
				return true
			},
			fail: func(err error) { done(struct{}{}, err) },
		})
	})
	return err
}

// Login authenticates against a room server or repeater. It returns
// once the request is on the air; the acceptance arrives later as an
// OnLogin event matched by the contact's prefix.
func (s *Session) Login(ctx context.Context, contactKey, password string) error {
	pub, err := pubkeyFromHex(contactKey)
	if err != nil {
		return err
	}
	prefix, err := keyPrefix(contactKey)
	if err != nil {
		return err
	}
	_, err = call(s, ctx, func(done func(struct{}, error)) {
		if s.state != StateConnected {
			done(struct{}{}, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "login",
			frame:  protocol.SendLogin(pub, password),
			expect: codes(protocol.RespSent, protocol.RespOk),
			handle: func(f protocol.Frame) bool {
				if v, ok := f.(*protocol.DeviceErr); ok {
					done(struct{}{}, v)
					return true
				}
				s.pendingLogins[prefix] = contactKey
				done(struct{}{}, nil)
				return true
			},
			fail: func(err error) { done(struct{}{}, err) },
		})
	})
	return err
}

// StatusReq asks a repeater for its status counters; the answer arrives
// as an OnStatus event.
func (s *Session) StatusReq(ctx context.Context, contactKey string) error {
	pub, err := pubkeyFromHex(contactKey)
	if err != nil {
		return err
	}
	_, err = call(s, ctx, func(done func(struct{}, error)) {
		if s.state != StateConnected {
			done(struct{}{}, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "status req",
			frame:  protocol.SendStatusReq(pub),
			expect: codes(protocol.RespSent, protocol.RespOk),
			handle: func(f protocol.Frame) bool {
				if v, ok := f.(*protocol.DeviceErr); ok {
					done(struct{}{}, v)
					return true
				}
				done(struct{}{}, nil)
				return true
			},
			fail: func(err error) { done(struct{}{}, err) },
		})
	})
	return err
}

// SetChannel programs a channel slot on the device and mirrors it into
// the store.
func (s *Session) SetChannel(ctx context.Context, idx int, name string, psk []byte) error {
	if idx < 0 || idx > 0xFF {
		return fmt.Errorf("channel index %d out of range", idx)
	}
	if len(psk) != 16 {
		return fmt.Errorf("channel psk must be 16 bytes, got %d", len(psk))
	}
	var key [16]byte
	copy(key[:], psk)
	return s.simpleCommand(ctx, "set channel", protocol.SetChannel(uint8(idx), name, key), func() {
		ch := store.Channel{Idx: idx, Name: name, PSK: s.sealPSK(psk)}
		if err := s.st.SaveChannel(ch); err != nil {
			s.log.Warn("channel save failed", "idx", idx, "err", err)
		}
		s.channelSetChanged()
	})
}

// Sign signs arbitrary data with the node identity key, streaming it in
// chunks. Errors when the firmware has signing disabled.
func (s *Session) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return call(s, ctx, func(done func([]byte, error)) {
		if s.state != StateConnected {
			done(nil, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "sign start",
			frame:  protocol.SignStart(),
			expect: codes(protocol.RespSignStart, protocol.RespDisabled),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.SignStartAck:
					s.signChunk(data, 0, done)
				case *protocol.Disabled:
					done(nil, errors.New("signing disabled on this device"))
				case *protocol.DeviceErr:
					done(nil, v)
				}
				return true
			},
			fail: func(err error) { done(nil, err) },
		})
	})
}

func (s *Session) signChunk(data []byte, off int, done func([]byte, error)) {
	if off >= len(data) {
		s.enqueue(&command{
			name:   "sign finish",
			frame:  protocol.SignFinish(),
			expect: codes(protocol.RespSignature),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.Signature:
					done(append([]byte(nil), v.Sig...), nil)
				case *protocol.DeviceErr:
					done(nil, v)
				}
				return true
			},
			fail: func(err error) { done(nil, err) },
		})
		return
	}
	end := off + signChunkSize
	if end > len(data) {
		end = len(data)
	}
	s.enqueue(&command{
		name:   "sign data",
		frame:  protocol.SignData(data[off:end]),
		expect: codes(protocol.RespOk),
		handle: func(f protocol.Frame) bool {
			switch v := f.(type) {
			case *protocol.Ok:
				s.signChunk(data, end, done)
			case *protocol.DeviceErr:
				done(nil, v)
			}
			return true
		},
		fail: func(err error) { done(nil, err) },
	})
}

// Trace probes a repeater path and waits for the per-hop SNR report.
func (s *Session) Trace(ctx context.Context, path []byte, flags uint8) (*protocol.TraceData, error) {
	return call(s, ctx, func(done func(*protocol.TraceData, error)) {
		if s.state != StateConnected {
			done(nil, ErrNotConnected)
			return
		}
		u := uuid.New()
		tag := binary.LittleEndian.Uint32(u[:4])
		s.enqueue(&command{
			name:   "trace",
			frame:  protocol.SendTracePath(tag, 0, flags, path),
			expect: codes(protocol.RespSent),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.Sent:
					timeout := time.Duration(v.TimeoutMS) * time.Millisecond
					if timeout <= 0 {
						timeout = replyWaitFloor
					}
					s.traceWaiters[tag] = done
					s.schedule(traceTimerName(tag), timeout, func() {
						if w, ok := s.traceWaiters[tag]; ok {
							delete(s.traceWaiters, tag)
							w(nil, ErrTimeout)
						}
					})
				case *protocol.DeviceErr:
					done(nil, v)
				}
				return true
			},
			fail: func(err error) { done(nil, err) },
		})
	})
}

// TelemetryReq asks a sensor node for its readings; the answer arrives
// as an OnTelemetry event.
func (s *Session) TelemetryReq(ctx context.Context, contactKey string) error {
	pub, err := pubkeyFromHex(contactKey)
	if err != nil {
		return err
	}
	_, err = call(s, ctx, func(done func(struct{}, error)) {
		if s.state != StateConnected {
			done(struct{}{}, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "telemetry req",
			frame:  protocol.SendTelemetryReq(pub),
			expect: codes(protocol.RespSent, protocol.RespOk),
			handle: func(f protocol.Frame) bool {
				if v, ok := f.(*protocol.DeviceErr); ok {
					done(struct{}{}, v)
					return true
				}
				done(struct{}{}, nil)
				return true
			},
			fail: func(err error) { done(struct{}{}, err) },
		})
	})
	return err
}

// BinaryReq sends an opaque typed request to a node and waits for its
// response blob, matched by the contact's prefix.
func (s *Session) BinaryReq(ctx context.Context, contactKey string, reqType uint8, payload []byte) ([]byte, error) {
	pub, err := pubkeyFromHex(contactKey)
	if err != nil {
		return nil, err
	}
	prefix, err := keyPrefix(contactKey)
	if err != nil {
		return nil, err
	}
	return call(s, ctx, func(done func([]byte, error)) {
		if s.state != StateConnected {
			done(nil, ErrNotConnected)
			return
		}
		if _, busy := s.binaryWaiters[prefix]; busy {
			done(nil, ErrBusy)
			return
		}
		s.enqueue(&command{
			name:   "binary req",
			frame:  protocol.SendBinaryReq(pub, reqType, payload),
			expect: codes(protocol.RespSent, protocol.RespOk),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.DeviceErr:
					done(nil, v)
				case *protocol.Sent:
					s.armBinaryWait(prefix, time.Duration(v.TimeoutMS)*time.Millisecond, done)
				default:
					s.armBinaryWait(prefix, 0, done)
				}
				return true
			},
			fail: func(err error) { done(nil, err) },
		})
	})
}

func (s *Session) armBinaryWait(prefix [6]byte, timeout time.Duration, done func([]byte, error)) {
	if timeout <= 0 {
		timeout = replyWaitFloor
	}
	s.binaryWaiters[prefix] = done
	s.schedule(binaryTimerName(prefix), timeout, func() {
		if w, ok := s.binaryWaiters[prefix]; ok {
			delete(s.binaryWaiters, prefix)
			w(nil, ErrTimeout)
		}
	})
}

// RefreshContacts triggers an incremental contact pull. The refreshed
// list lands via OnContactsChanged.
func (s *Session) RefreshContacts(ctx context.Context) error {
	_, err := call(s, ctx, func(done func(struct{}, error)) {
		if s.state != StateConnected {
			done(struct{}{}, ErrNotConnected)
			return
		}
		s.startContactSync()
		done(struct{}{}, nil)
	})
	return err
}

// DeviceTime reads the device clock.
func (s *Session) DeviceTime(ctx context.Context) (time.Time, error) {
	return call(s, ctx, func(done func(time.Time, error)) {
		if s.state != StateConnected {
			done(time.Time{}, ErrNotConnected)
			return
		}
		s.enqueue(&command{
			name:   "get device time",
			frame:  protocol.GetDeviceTime(),
			expect: codes(protocol.RespCurrTime),
			handle: func(f protocol.Frame) bool {
				switch v := f.(type) {
				case *protocol.CurrTime:
					done(time.Unix(int64(v.Epoch), 0), nil)
				case *protocol.DeviceErr:
					done(time.Time{}, v)
				}
				return true
			},
			fail: func(err error) { done(time.Time{}, err) },
		})
	})
}

// SetDeviceTime writes the device clock.
func (s *Session) SetDeviceTime(ctx context.Context, t time.Time) error {
	return s.simpleCommand(ctx, "set device time", protocol.SetDeviceTime(uint32(t.Unix())), func() {
		s.archive("time_set", map[string]any{"epoch": t.Unix()})
	})
}
