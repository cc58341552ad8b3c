package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zjs81/meshcore-open/internal/packet"
	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/store"
)

// handleFrame decodes and routes one transport frame.
func (s *Session) handleFrame(frame []byte) {
	s.archiveFrame("rx", frame)
	f, err := protocol.Decode(frame)
	if err != nil {
		s.log.Debug("undecodable frame", "len", len(frame), "err", err)
		return
	}
	if f.Code().IsPush() {
		s.handlePush(f)
		return
	}
	s.handleResponse(f)
}

func (s *Session) handleResponse(f protocol.Frame) {
	c := s.inflight
	if c == nil || !c.accepts(f.Code()) {
		s.handleUnsolicited(f)
		return
	}
	if c.handle(f) {
		s.finishCommand()
		return
	}
	// Still in flight (stream mid-way, out-of-order slot); fresh
	// deadline.
	s.armCmdTimer(c)
}

// handleUnsolicited takes responses that match no in-flight
// expectation. The device volunteers some of these; the rest are stale
// replies to a command that already timed out.
func (s *Session) handleUnsolicited(f protocol.Frame) {
	switch v := f.(type) {
	case *protocol.ChannelInfo:
		s.acceptChannelInfo(v)
	case *protocol.ContactMsg:
		s.handleContactMsg(v, false)
	case *protocol.ChannelMsg:
		s.ingestDeviceChannelMsg(v)
	case *protocol.Unknown:
		s.log.Debug("unknown response", "code", v.RawCode, "len", len(v.Payload))
		if s.events.OnUnknownFrame != nil {
			s.events.OnUnknownFrame(v.RawCode, v.Payload)
		}
	default:
		s.log.Debug("unsolicited response dropped", "code", f.Code())
	}
}

func (s *Session) handlePush(f protocol.Frame) {
	switch v := f.(type) {
	case *protocol.Advert:
		s.onAdvert(v)
	case *protocol.PathUpdated:
		s.onPathUpdated(v)
	case *protocol.SendConfirmed:
		s.onSendConfirmed(v)
	case *protocol.MsgWaiting:
		s.startQueuePump()
	case *protocol.RawData:
		s.archive("raw_data", map[string]any{"snr": v.SNR, "rssi": v.RSSI, "len": len(v.Payload)})
		s.emitRawPacket(RawPacket{SNR: float64(v.SNR), RSSI: int(v.RSSI), Raw: v.Payload})
	case *protocol.LoginSuccess:
		s.onLoginSuccess(v)
	case *protocol.StatusResponse:
		s.onStatusResponse(v)
	case *protocol.LogRxData:
		s.onLogRx(v)
	case *protocol.TraceData:
		s.onTraceData(v)
	case *protocol.NewAdvert:
		s.onNewAdvert(v)
	case *protocol.Telemetry:
		s.onTelemetry(v)
	case *protocol.BinaryResponse:
		s.onBinaryResponse(v)
	case *protocol.Unknown:
		s.log.Debug("unknown push", "code", v.RawCode, "len", len(v.Payload))
		if s.events.OnUnknownFrame != nil {
			s.events.OnUnknownFrame(v.RawCode, v.Payload)
		}
	}
}

func (s *Session) onAdvert(v *protocol.Advert) {
	key := hex.EncodeToString(v.PublicKey[:])
	s.log.Debug("advert heard", "key", key[:12])
	s.archive("advert", map[string]any{"key": key})
	if s.events.OnAdvert != nil {
		s.events.OnAdvert(key)
	}
	// The device may have updated the contact record behind this.
	s.startContactSync()
}

func (s *Session) onPathUpdated(v *protocol.PathUpdated) {
	ct, err := s.st.ContactByPrefix(v.Prefix[:])
	if err != nil || ct == nil {
		s.log.Debug("path update for unknown contact", "prefix", fmt.Sprintf("%x", v.Prefix))
		return
	}
	ct.PathLen = int(v.PathLen)
	ct.Path = nil
	if v.PathLen > 0 {
		ct.Path = append([]byte(nil), v.Path...)
	}
	if err := s.st.UpsertContact(*ct); err != nil {
		s.log.Warn("path update save failed", "contact", ct.PublicKey[:12], "err", err)
		return
	}
	s.archive("path_updated", map[string]any{"contact": ct.PublicKey, "path_len": v.PathLen})
	if s.events.OnPathUpdated != nil {
		s.events.OnPathUpdated(ct.PublicKey, int(v.PathLen), append([]byte(nil), v.Path...))
	}
}

func ackTimerName(hash uint32) string {
	return fmt.Sprintf("ack-%08x", hash)
}

func (s *Session) onSendConfirmed(v *protocol.SendConfirmed) {
	p, ok := s.acks[v.AckHash]
	if !ok {
		s.log.Debug("unmatched delivery ack", "hash", fmt.Sprintf("%08x", v.AckHash))
		return
	}
	delete(s.acks, v.AckHash)
	s.cancelTimer(ackTimerName(v.AckHash))
	trip := int(v.TripTimeMS)
	s.setMessageStatus(p.msgID, "delivered", trip)
	if p.contactKey != "" {
		s.recordPathResult(p.contactKey, p.sel, true, trip)
	}
	s.archive("delivered", map[string]any{"id": p.msgID, "trip_ms": trip})
}

// fireAckTimeout runs when a delivery confirmation never arrived.
func (s *Session) fireAckTimeout(hash uint32) {
	p, ok := s.acks[hash]
	if !ok {
		return
	}
	delete(s.acks, hash)
	if p.contactKey != "" {
		s.recordPathResult(p.contactKey, p.sel, false, 0)
	}
	if p.heard {
		// The mesh repeated it back to us, so it did leave the radio;
		// keep the softer status.
		return
	}
	s.log.Info("delivery ack timed out", "id", p.msgID)
	s.setMessageStatus(p.msgID, "failed", 0)
}

// setMessageStatus persists a status transition, mirrors it into the
// dedup window and notifies the observer.
func (s *Session) setMessageStatus(id, status string, tripMs int) {
	if err := s.st.UpdateMessageStatus(id, status, tripMs); err != nil {
		s.log.Debug("status update failed", "id", id, "err", err)
	}
	for i := range s.recent {
		if s.recent[i].ID == id {
			s.recent[i].Status = status
			s.recent[i].TripMs = tripMs
			break
		}
	}
	s.events.messageStatus(id, status, tripMs)
}

// warmDedupWindow reloads the duplicate-detection window from the
// store so a restart keeps suppressing copies of messages already
// recorded.
func (s *Session) warmDedupWindow() {
	cutoff := nowUnix(s.clock) - s.cfg.DedupWindow.Seconds()
	msgs, err := s.st.RecentMessages(cutoff)
	if err != nil {
		s.log.Debug("dedup window load failed", "err", err)
		return
	}
	s.recent = msgs
}

func (s *Session) pruneRecent() {
	cutoff := nowUnix(s.clock) - s.cfg.DedupWindow.Seconds()
	keep := s.recent[:0]
	for _, m := range s.recent {
		if m.ReceivedAt >= cutoff {
			keep = append(keep, m)
		}
	}
	s.recent = keep
}

func (s *Session) recentByID(id string) *store.Message {
	s.pruneRecent()
	for i := range s.recent {
		if s.recent[i].ID == id {
			return &s.recent[i]
		}
	}
	return nil
}

func (s *Session) remember(m store.Message) {
	s.recent = append(s.recent, m)
}

// messageID derives a stable content identity so every RF copy of one
// logical message (device-delivered, promiscuous log, our own echo)
// maps to the same row.
func messageID(author string, senderTS uint32, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", author, senderTS, text)
	return hex.EncodeToString(h.Sum(nil)[:6])
}

// Reaction and reply envelopes ride inside ordinary texts. The reply
// check runs first: "re:" would otherwise parse as a reaction to "e".
func parseReply(text string) (id, rest string, ok bool) {
	body, found := strings.CutPrefix(text, "re:")
	if !found {
		return "", "", false
	}
	id, rest, ok = strings.Cut(body, ":")
	if !ok || id == "" {
		return "", "", false
	}
	return id, rest, true
}

func parseReaction(text string) (id, emoji string, ok bool) {
	body, found := strings.CutPrefix(text, "r:")
	if !found {
		return "", "", false
	}
	id, emoji, ok = strings.Cut(body, ":")
	if !ok || id == "" || emoji == "" {
		return "", "", false
	}
	return id, emoji, true
}

// applySpecial peels reaction and reply envelopes off an inbound text.
// A reaction lands in the reaction table and is dropped as a message; a
// reply to a known message carries its target, a reply to an unknown
// one falls through as plain text.
func (s *Session) applySpecial(text string) (drop bool, out, replyTo string) {
	if id, rest, ok := parseReply(text); ok {
		if exists, err := s.st.MessageExists(id); err == nil && exists {
			return false, rest, id
		}
		return false, text, ""
	}
	if id, emoji, ok := parseReaction(text); ok {
		exists, err := s.st.MessageExists(id)
		if err != nil || !exists {
			s.log.Debug("reaction for unknown message dropped", "id", id)
			return true, "", ""
		}
		applied, err := s.st.ApplyReaction(id, emoji, nowUnix(s.clock))
		if err != nil {
			s.log.Warn("reaction apply failed", "id", id, "err", err)
			return true, "", ""
		}
		if applied {
			s.archive("reaction", map[string]any{"id": id, "emoji": emoji})
			if s.events.OnReaction != nil {
				s.events.OnReaction(id, emoji)
			}
		}
		return true, "", ""
	}
	return false, text, ""
}

// handleContactMsg normalizes one direct message. final marks the
// single re-parse after a contact refresh: an unresolved sender then
// keeps its prefix as author instead of being stashed again.
func (s *Session) handleContactMsg(m *protocol.ContactMsg, final bool) {
	ct, err := s.st.ContactByPrefix(m.Prefix[:])
	if err != nil {
		s.log.Warn("contact lookup failed", "err", err)
	}
	var author, contactKey string
	switch {
	case ct != nil:
		author, contactKey = ct.Name, ct.PublicKey
	case !final:
		// Unknown sender: park the frame and refresh the contact list
		// once; the drain re-parses it.
		s.stash = append(s.stash, m)
		if !s.refreshing {
			s.refreshing = true
			s.startContactSync()
		}
		return
	default:
		author = fmt.Sprintf("%x", m.Prefix)
	}

	drop, text, replyTo := s.applySpecial(m.Text)
	if drop {
		return
	}
	id := messageID(author, m.SenderTS, text)
	if hit := s.recentByID(id); hit != nil {
		s.absorbCopy(hit, int(m.PathLen), nil, float64(m.SNR))
		return
	}
	s.deliver(store.Message{
		ID:         id,
		Kind:       "contact",
		Author:     author,
		ContactKey: contactKey,
		Text:       text,
		TxtType:    m.TxtType,
		SenderTS:   m.SenderTS,
		ReceivedAt: nowUnix(s.clock),
		Status:     "received",
		SNR:        float64(m.SNR),
		PathLen:    int(m.PathLen),
		ReplyTo:    replyTo,
	})
}

func (s *Session) ingestDeviceChannelMsg(m *protocol.ChannelMsg) {
	s.ingestChannelText(int(m.ChannelIdx), m.TxtType, m.SenderTS, m.Body,
		float64(m.SNR), int(m.PathLen), nil, false)
}

// ingestChannelText is the shared path for channel messages, whether
// the device delivered them or the RF log did. viaLog applies the
// radio-log extra rule: our own name on a packet whose path bears our
// key byte is our flood echo, not new traffic.
func (s *Session) ingestChannelText(channelIdx int, txtType uint8, senderTS uint32, body string, snr float64, pathLen int, path []byte, viaLog bool) {
	author, text := protocol.SplitAuthor(body)
	drop, text, replyTo := s.applySpecial(text)
	if drop {
		return
	}
	id := messageID(author, senderTS, text)
	if hit := s.recentByID(id); hit != nil {
		s.absorbCopy(hit, pathLen, path, snr)
		return
	}
	if viaLog && author == s.selfName() && s.pathBearsSelf(path) {
		// An echo of an own send already outside the window.
		s.log.Debug("stale self echo dropped", "id", id)
		return
	}
	var pathCopy []byte
	if len(path) > 0 {
		pathCopy = append([]byte(nil), path...)
	}
	s.deliver(store.Message{
		ID:         id,
		Kind:       "channel",
		Author:     author,
		ChannelIdx: channelIdx,
		Text:       text,
		TxtType:    txtType,
		SenderTS:   senderTS,
		ReceivedAt: nowUnix(s.clock),
		Status:     "received",
		SNR:        snr,
		PathLen:    pathLen,
		Path:       pathCopy,
		ReplyTo:    replyTo,
	})
}

// pathBearsSelf reports whether our own leading key byte appears in a
// packet path, i.e. we were one of the repeaters stamped onto it.
func (s *Session) pathBearsSelf(path []byte) bool {
	if s.self == nil {
		return false
	}
	b := s.self.PublicKey[0]
	for _, hop := range path {
		if hop == b {
			return true
		}
	}
	return false
}

// absorbCopy folds another RF copy of a known message into its row. An
// own outgoing message coming back means the mesh repeated it: that
// upgrades its status instead of counting as a repeat.
func (s *Session) absorbCopy(hit *store.Message, pathLen int, path []byte, snr float64) {
	if hit.Outgoing {
		s.markHeard(hit)
		return
	}
	hit.RepeatCount++
	if pathLen > hit.PathLen {
		hit.PathLen = pathLen
		hit.Path = nil
		if len(path) > 0 {
			hit.Path = append([]byte(nil), path...)
		}
	} else if len(hit.Path) == 0 && len(path) > 0 {
		hit.Path = append([]byte(nil), path...)
	}
	if snr > hit.SNR {
		hit.SNR = snr
	}
	if err := s.st.MergeMessage(hit.ID, hit.RepeatCount, hit.PathLen, hit.Path, hit.SNR); err != nil {
		s.log.Debug("repeat merge failed", "id", hit.ID, "err", err)
	}
	s.archive("repeat", map[string]any{"id": hit.ID, "count": hit.RepeatCount})
}

func (s *Session) markHeard(hit *store.Message) {
	if hit.Status == "delivered" {
		return
	}
	for h, p := range s.acks {
		if p.msgID == hit.ID {
			p.heard = true
			s.acks[h] = p
			break
		}
	}
	if hit.Status == "heard" {
		return
	}
	s.log.Debug("own message heard back", "id", hit.ID)
	s.setMessageStatus(hit.ID, "heard", 0)
}

func (s *Session) deliver(msg store.Message) {
	inserted, err := s.st.InsertMessage(msg)
	if err != nil {
		s.log.Warn("message insert failed", "id", msg.ID, "err", err)
		return
	}
	if !inserted {
		// Same identity outside the dedup window: an old message the
		// device redelivered.
		s.log.Debug("redelivered message dropped", "id", msg.ID)
		return
	}
	s.remember(msg)
	s.archive("message", map[string]any{"id": msg.ID, "kind": msg.Kind, "author": msg.Author})
	s.events.message(msg)
}

// drainStash re-parses messages parked for an unknown sender, once.
func (s *Session) drainStash() {
	if len(s.stash) == 0 {
		return
	}
	parked := s.stash
	s.stash = nil
	s.log.Debug("re-parsing stashed messages", "n", len(parked))
	for _, f := range parked {
		if m, ok := f.(*protocol.ContactMsg); ok {
			s.handleContactMsg(m, true)
		}
	}
}

func (s *Session) emitRawPacket(rp RawPacket) {
	if s.events.OnRawPacket != nil {
		s.events.OnRawPacket(rp)
	}
}

func (s *Session) onLogRx(v *protocol.LogRxData) {
	pkt, err := packet.Decode(v.Packet)
	if err != nil {
		s.log.Debug("unparseable rf packet", "len", len(v.Packet), "err", err)
		s.emitRawPacket(RawPacket{SNR: float64(v.SNR), RSSI: int(v.RSSI), Raw: v.Packet, Undecrypted: true})
		return
	}
	s.archive("rf_log", map[string]any{
		"type": pkt.PayloadType(), "route": pkt.RouteType(),
		"path_len": len(pkt.Path), "snr": v.SNR, "rssi": v.RSSI,
	})
	if pkt.PayloadType() != packet.TypeGrpTxt || len(s.channelKeys) == 0 {
		s.emitRawPacket(RawPacket{SNR: float64(v.SNR), RSSI: int(v.RSSI), Packet: pkt, Raw: v.Packet})
		return
	}
	keys := make([][16]byte, len(s.channelKeys))
	for i, ck := range s.channelKeys {
		keys[i] = ck.psk
	}
	ki, gt, err := packet.DecryptGroupTextAny(pkt.Payload, keys)
	if err != nil {
		s.emitRawPacket(RawPacket{SNR: float64(v.SNR), RSSI: int(v.RSSI), Packet: pkt, Raw: v.Packet, Undecrypted: true})
		return
	}
	body := protocol.DecodeText(gt.Body)
	s.ingestChannelText(s.channelKeys[ki].idx, gt.TxtType, gt.SenderTS, body,
		float64(v.SNR), len(pkt.Path), pkt.Path, true)
}

func (s *Session) onLoginSuccess(v *protocol.LoginSuccess) {
	key, ok := s.pendingLogins[v.Prefix]
	if ok {
		delete(s.pendingLogins, v.Prefix)
	} else if ct, err := s.st.ContactByPrefix(v.Prefix[:]); err == nil && ct != nil {
		key = ct.PublicKey
	} else {
		key = fmt.Sprintf("%x", v.Prefix)
	}
	s.log.Info("login accepted", "contact", key[:12])
	s.archive("login", map[string]any{"contact": key})
	if s.events.OnLogin != nil {
		s.events.OnLogin(key)
	}
}

func (s *Session) onStatusResponse(v *protocol.StatusResponse) {
	key := fmt.Sprintf("%x", v.Prefix)
	if ct, err := s.st.ContactByPrefix(v.Prefix[:]); err == nil && ct != nil {
		key = ct.PublicKey
	}
	s.archive("status", map[string]any{"contact": key, "battery_mv": v.BatteryMV})
	if s.events.OnStatus != nil {
		s.events.OnStatus(key, v)
	}
}

func traceTimerName(tag uint32) string {
	return fmt.Sprintf("trace-%08x", tag)
}

func (s *Session) onTraceData(v *protocol.TraceData) {
	if w, ok := s.traceWaiters[v.Tag]; ok {
		delete(s.traceWaiters, v.Tag)
		s.cancelTimer(traceTimerName(v.Tag))
		w(v, nil)
		return
	}
	s.archive("trace", map[string]any{"tag": v.Tag, "hops": len(v.Hops)})
	if s.events.OnTrace != nil {
		s.events.OnTrace(v)
	}
}

// onNewAdvert handles manual-add mode: the device reports a new node
// and leaves the decision to us. Policy is to accept it, both locally
// and back onto the device.
func (s *Session) onNewAdvert(v *protocol.NewAdvert) {
	c := v.Contact
	key := hex.EncodeToString(c.PublicKey[:])
	s.log.Info("new node advert", "name", c.Name, "key", key[:12])
	s.storeDeviceContact(&c)
	s.enqueue(&command{
		name:   "add contact " + c.Name,
		frame:  protocol.AddUpdateContact(c.PublicKey, c.Type, c.Flags, c.OutPathLen, c.OutPath, c.Name, c.LastAdvert, c.Lat, c.Lon),
		expect: codes(protocol.RespOk),
		handle: func(protocol.Frame) bool { return true },
	})
	s.archive("new_advert", map[string]any{"key": key, "name": c.Name})
	if s.events.OnAdvert != nil {
		s.events.OnAdvert(key)
	}
	if s.events.OnContactsChanged != nil {
		if cts, err := s.st.Contacts(); err == nil {
			s.events.OnContactsChanged(cts)
		}
	}
}

func (s *Session) onTelemetry(v *protocol.Telemetry) {
	key := fmt.Sprintf("%x", v.Prefix)
	if ct, err := s.st.ContactByPrefix(v.Prefix[:]); err == nil && ct != nil {
		key = ct.PublicKey
	}
	items := protocol.SplitLPP(v.LPP)
	s.archive("telemetry", map[string]any{"contact": key, "items": len(items)})
	if s.events.OnTelemetry != nil {
		s.events.OnTelemetry(key, items)
	}
}

func binaryTimerName(prefix [6]byte) string {
	return fmt.Sprintf("bin-%x", prefix)
}

func (s *Session) onBinaryResponse(v *protocol.BinaryResponse) {
	w, ok := s.binaryWaiters[v.Prefix]
	if !ok {
		s.log.Debug("unmatched binary response", "prefix", fmt.Sprintf("%x", v.Prefix))
		return
	}
	delete(s.binaryWaiters, v.Prefix)
	s.cancelTimer(binaryTimerName(v.Prefix))
	w(v.Blob, nil)
}
