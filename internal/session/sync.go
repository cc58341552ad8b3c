package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/store"
)

const pskRecordKind = "channel-psk"

// startContactSync pulls the device's contact list, incrementally from
// the stored last-modified watermark. Fire and forget: the stream has a
// stall guard but no per-record deadline. A request while one is
// already streaming sets a pending flag instead of restarting.
func (s *Session) startContactSync() {
	if s.state != StateConnected || s.self == nil {
		return
	}
	if s.contactSyncing {
		s.contactPending = true
		return
	}
	s.contactSyncing = true
	since, err := s.st.MaxContactLastMod()
	if err != nil {
		s.log.Debug("contact watermark read failed", "err", err)
		since = 0
	}
	s.enqueueContactSync(since)
}

func (s *Session) enqueueContactSync(since uint32) {
	count := 0
	s.enqueue(&command{
		name:   "contact sync",
		frame:  protocol.GetContacts(since),
		expect: codes(protocol.RespContactsStart, protocol.RespContact, protocol.RespEndOfContacts),
		handle: func(f protocol.Frame) bool {
			switch v := f.(type) {
			case *protocol.ContactsStart:
				s.log.Debug("contact stream opened", "count", v.Count, "since", since)
				return false
			case *protocol.Contact:
				s.storeDeviceContact(v)
				count++
				return false
			case *protocol.EndOfContacts:
				s.contactSyncDone(count)
				return true
			case *protocol.DeviceErr:
				s.log.Warn("contact sync rejected", "err", v)
				s.contactSyncAborted()
				return true
			}
			return false
		},
		onTimeout: func() {
			s.log.Warn("contact stream stalled", "received", count)
			s.contactSyncAborted()
		},
	})
}

// storeDeviceContact maps one wire contact record into the store. The
// store preserves any local path override across the upsert.
func (s *Session) storeDeviceContact(c *protocol.Contact) {
	sc := store.Contact{
		PublicKey:  hex.EncodeToString(c.PublicKey[:]),
		Type:       c.Type,
		Flags:      c.Flags,
		PathLen:    int(c.OutPathLen),
		Name:       c.Name,
		LastAdvert: c.LastAdvert,
		Lat:        c.Lat,
		Lon:        c.Lon,
		LastMod:    c.LastMod,
	}
	if c.OutPathLen > 0 {
		sc.Path = append([]byte(nil), c.OutPath[:c.OutPathLen]...)
	}
	if err := s.st.UpsertContact(sc); err != nil {
		s.log.Warn("contact upsert failed", "key", sc.PublicKey[:12], "err", err)
	}
}

func (s *Session) contactSyncDone(count int) {
	s.contactSyncing = false
	s.refreshing = false
	s.archive("contact_sync", map[string]any{"received": count})
	if s.events.OnContactsChanged != nil {
		if cts, err := s.st.Contacts(); err == nil {
			s.events.OnContactsChanged(cts)
		}
	}
	s.drainStash()
	first := !s.contactSynced
	s.contactSynced = true
	if first || s.queuePending {
		s.queuePending = false
		s.startQueuePump()
	}
	if s.contactPending {
		s.contactPending = false
		s.startContactSync()
	}
}

// contactSyncAborted is the stall/rejection path: no completion
// side effects, but stashed messages still get their single re-parse
// and a deferred sync request still runs.
func (s *Session) contactSyncAborted() {
	s.contactSyncing = false
	s.refreshing = false
	s.drainStash()
	if s.contactPending {
		s.contactPending = false
		s.startContactSync()
	}
}

// startChannelSync walks every channel slot from 0.
func (s *Session) startChannelSync() {
	s.startChannelSyncAt(0)
}

func (s *Session) startChannelSyncAt(from int) {
	if s.state != StateConnected || s.channelSyncing {
		return
	}
	s.channelSyncing = true
	s.channelCursor = from
	s.channelAttempt = 0
	s.loadChannelCache()
	s.requestChannel()
}

// loadChannelCache primes the splice fallback with the last consistent
// channel set: the in-memory cache survives reconnects, a cold start
// falls back to the persisted snapshot, then to the channel table.
func (s *Session) loadChannelCache() {
	if len(s.channelCache) > 0 {
		return
	}
	if payload, _, err := s.st.LoadSnapshot("channels"); err == nil && payload != nil {
		var chans []store.Channel
		if json.Unmarshal(payload, &chans) == nil {
			for _, ch := range chans {
				s.channelCache[ch.Idx] = ch
			}
			return
		}
	}
	if chans, err := s.st.Channels(); err == nil {
		for _, ch := range chans {
			s.channelCache[ch.Idx] = ch
		}
	}
}

// requestChannel issues the query for the cursor's slot, or finishes
// the walk when the cursor has passed the last one.
func (s *Session) requestChannel() {
	if s.channelCursor >= s.channelTotal {
		s.finishChannelSync()
		return
	}
	idx := s.channelCursor
	s.channelAttempt++
	s.enqueue(&command{
		name:    fmt.Sprintf("get channel %d", idx),
		frame:   protocol.GetChannel(uint8(idx)),
		expect:  codes(protocol.RespChannelInfo, protocol.RespDisabled),
		timeout: s.cfg.ChannelTimeout,
		handle: func(f protocol.Frame) bool {
			switch v := f.(type) {
			case *protocol.ChannelInfo:
				s.acceptChannelInfo(v)
				if int(v.Index) != idx {
					// Unsolicited slot: keep it, keep waiting for ours.
					return false
				}
				s.advanceChannelCursor()
				return true
			case *protocol.DeviceErr, *protocol.Disabled:
				s.log.Debug("channel slot unavailable", "idx", idx)
				s.advanceChannelCursor()
				return true
			}
			return false
		},
		onTimeout: func() {
			if s.channelAttempt < s.cfg.ChannelRetries {
				s.requestChannel()
				return
			}
			s.spliceChannelFromCache(idx)
			s.advanceChannelCursor()
		},
	})
}

func (s *Session) advanceChannelCursor() {
	s.channelCursor++
	s.channelAttempt = 0
	s.requestChannel()
}

// acceptChannelInfo records one slot. An empty PSK marks the slot
// unconfigured. Outside a walk (an unsolicited report) the channel key
// set and observers refresh immediately; during one they refresh once
// at the end.
func (s *Session) acceptChannelInfo(ci *protocol.ChannelInfo) {
	idx := int(ci.Index)
	if ci.Empty() {
		if err := s.st.DeleteChannel(idx); err != nil {
			s.log.Debug("channel delete failed", "idx", idx, "err", err)
		}
	} else {
		ch := store.Channel{Idx: idx, Name: ci.Name, PSK: s.sealPSK(ci.PSK[:])}
		if err := s.st.SaveChannel(ch); err != nil {
			s.log.Warn("channel save failed", "idx", idx, "err", err)
		}
	}
	if !s.channelSyncing {
		s.channelSetChanged()
	}
}

// spliceChannelFromCache restores the last known row for a slot whose
// query kept timing out, so one dead query does not erase a configured
// channel.
func (s *Session) spliceChannelFromCache(idx int) {
	ch, ok := s.channelCache[idx]
	if !ok {
		s.log.Warn("channel query exhausted, no cached fallback", "idx", idx)
		return
	}
	s.log.Info("channel query exhausted, keeping cached slot", "idx", idx)
	if err := s.st.SaveChannel(ch); err != nil {
		s.log.Warn("channel splice failed", "idx", idx, "err", err)
	}
}

func (s *Session) finishChannelSync() {
	s.channelSyncing = false
	s.archive("channel_sync", map[string]any{"total": s.channelTotal})
	s.channelSetChanged()
}

// channelSetChanged refreshes everything derived from the channel
// table: the splice cache, the persisted snapshot, the decrypt key set
// and the observer.
func (s *Session) channelSetChanged() {
	chans, err := s.st.Channels()
	if err != nil {
		s.log.Warn("channel read-back failed", "err", err)
		return
	}
	s.channelCache = make(map[int]store.Channel, len(chans))
	for _, ch := range chans {
		s.channelCache[ch.Idx] = ch
	}
	if payload, err := json.Marshal(chans); err == nil {
		if err := s.st.SaveSnapshot("channels", payload, nowUnix(s.clock)); err != nil {
			s.log.Debug("channel snapshot save failed", "err", err)
		}
	}
	s.loadChannelKeys()
	if s.events.OnChannelsChanged != nil {
		s.events.OnChannelsChanged(s.openChannels(chans))
	}
}

// growChannelTotal raises the walk bound when the device reports more
// capacity. A smaller report is ignored. When no walk is running the
// new slots are fetched by resuming from the first unsynced index;
// slots already synced are kept as they are.
func (s *Session) growChannelTotal(n int) {
	if n <= s.channelTotal {
		return
	}
	from := s.channelTotal
	s.log.Info("channel capacity grew", "from", from, "to", n)
	s.channelTotal = n
	if !s.channelSyncing {
		s.startChannelSyncAt(from)
	}
}

// loadChannelKeys rebuilds the in-memory PSK set used for group
// decryption, slot order preserved.
func (s *Session) loadChannelKeys() {
	chans, err := s.st.Channels()
	if err != nil {
		s.log.Debug("channel key load failed", "err", err)
		return
	}
	keys := make([]channelKey, 0, len(chans))
	for _, ch := range chans {
		psk, ok := s.openPSK(ch)
		if !ok || len(psk) != 16 {
			continue
		}
		var k [16]byte
		copy(k[:], psk)
		keys = append(keys, channelKey{idx: ch.Idx, psk: k})
	}
	s.channelKeys = keys
}

func (s *Session) openPSK(ch store.Channel) ([]byte, bool) {
	if s.keys == nil {
		return ch.PSK, true
	}
	psk, err := s.keys.Open(pskRecordKind, ch.PSK)
	if err != nil {
		s.log.Warn("channel psk unsealable", "idx", ch.Idx, "err", err)
		return nil, false
	}
	return psk, true
}

func (s *Session) sealPSK(psk []byte) []byte {
	if s.keys == nil {
		return append([]byte(nil), psk...)
	}
	sealed, err := s.keys.Seal(pskRecordKind, psk)
	if err != nil {
		s.log.Warn("psk seal failed, storing raw", "err", err)
		return append([]byte(nil), psk...)
	}
	return sealed
}

// openChannels returns observer-facing copies with unsealed PSKs.
// Unsealable rows pass through sealed rather than disappearing.
func (s *Session) openChannels(chans []store.Channel) []store.Channel {
	out := make([]store.Channel, 0, len(chans))
	for _, ch := range chans {
		if psk, ok := s.openPSK(ch); ok {
			ch.PSK = psk
		}
		out = append(out, ch)
	}
	return out
}

// startQueuePump drains the device's queued messages. While identity
// or contact sync is still running (or a drain is already active) the
// trigger is deferred via a pending flag rather than dropped.
func (s *Session) startQueuePump() {
	if s.state != StateConnected {
		return
	}
	if s.queueActive || s.contactSyncing || s.self == nil {
		s.queuePending = true
		return
	}
	s.queueActive = true
	s.queueAttempt = 0
	s.requestNextMessage()
}

func (s *Session) requestNextMessage() {
	s.queueAttempt++
	s.enqueue(&command{
		name:  "sync next message",
		frame: protocol.SyncNextMessage(),
		expect: codes(
			protocol.RespContactMsgRecv, protocol.RespContactMsgRecvV3,
			protocol.RespChannelMsgRecv, protocol.RespChannelMsgRecvV3,
			protocol.RespNoMoreMessages,
		),
		timeout: s.cfg.QueueTimeout,
		handle: func(f protocol.Frame) bool {
			switch v := f.(type) {
			case *protocol.ContactMsg:
				s.handleContactMsg(v, false)
				s.queueAttempt = 0
				s.requestNextMessage()
			case *protocol.ChannelMsg:
				s.ingestDeviceChannelMsg(v)
				s.queueAttempt = 0
				s.requestNextMessage()
			case *protocol.NoMoreMessages:
				s.queuePumpDone()
			case *protocol.DeviceErr:
				s.log.Warn("message drain rejected", "err", v)
				s.queuePumpDone()
			}
			return true
		},
		onTimeout: func() {
			if s.queueAttempt < s.cfg.QueueRetries {
				s.requestNextMessage()
				return
			}
			s.log.Warn("message drain abandoned", "attempts", s.queueAttempt)
			s.queueActive = false
		},
	})
}

func (s *Session) queuePumpDone() {
	s.queueActive = false
	if s.queuePending {
		s.queuePending = false
		s.startQueuePump()
	}
}
