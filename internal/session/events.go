package session

import (
	"github.com/zjs81/meshcore-open/internal/packet"
	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/store"
)

// RawPacket is an over-the-air packet surfaced to the observer: either a
// radio-log capture the session could not consume itself, or an
// application payload outside the text protocol.
type RawPacket struct {
	SNR  float64
	RSSI int
	// Packet is the decoded header view; nil when the bytes did not
	// parse as a mesh packet.
	Packet *packet.Packet
	Raw    []byte
	// Undecrypted marks a group text whose MAC matched none of the
	// session's channel keys.
	Undecrypted bool
}

// Events is the observer surface. Every callback is optional; set the
// ones you need. Callbacks run on the session's dispatch goroutine and
// must not block or call back into the session synchronously.
type Events struct {
	OnStateChange func(state ConnectionState)
	OnSelfInfo    func(si *protocol.SelfInfo)
	OnDeviceInfo  func(di *protocol.DeviceInfo)

	OnMessage       func(m store.Message)
	OnMessageStatus func(id, status string, tripMs int)
	OnReaction      func(messageID, emoji string)

	OnContactsChanged func(contacts []store.Contact)
	OnChannelsChanged func(channels []store.Channel)
	OnAdvert          func(contactKey string)
	OnPathUpdated     func(contactKey string, pathLen int, path []byte)

	OnRawPacket func(p RawPacket)
	OnTrace     func(td *protocol.TraceData)
	OnTelemetry func(contactKey string, items []protocol.LPPItem)
	OnBattery   func(bi *protocol.BatteryInfo, percent int)
	OnLogin     func(contactKey string)
	OnStatus    func(contactKey string, sr *protocol.StatusResponse)

	OnUnknownFrame func(code protocol.Code, payload []byte)
}

func (e *Events) stateChange(st ConnectionState) {
	if e.OnStateChange != nil {
		e.OnStateChange(st)
	}
}

func (e *Events) message(m store.Message) {
	if e.OnMessage != nil {
		e.OnMessage(m)
	}
}

func (e *Events) messageStatus(id, status string, tripMs int) {
	if e.OnMessageStatus != nil {
		e.OnMessageStatus(id, status, tripMs)
	}
}
