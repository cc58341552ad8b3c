package protocol

import "encoding/binary"

// Advert announces that a known node was heard advertising.
type Advert struct {
	PublicKey [32]byte
}

func (*Advert) Code() Code { return PushAdvert }

func parseAdvert(p []byte) (*Advert, error) {
	if len(p) < 33 {
		return nil, short("advert")
	}
	a := &Advert{}
	copy(a.PublicKey[:], p[1:33])
	return a, nil
}

// PathUpdated reports a newly discovered route to a contact. Older
// firmware sends only the prefix; newer appends the path itself.
type PathUpdated struct {
	Prefix  [6]byte
	PathLen int8
	Path    []byte
}

func (*PathUpdated) Code() Code { return PushPathUpdated }

func parsePathUpdated(p []byte) (*PathUpdated, error) {
	if len(p) < 7 {
		return nil, short("path updated")
	}
	pu := &PathUpdated{PathLen: -1}
	copy(pu.Prefix[:], p[1:7])
	if len(p) >= 8 {
		pu.PathLen = int8(p[7])
		if pu.PathLen > 0 {
			n := int(pu.PathLen)
			if 8+n > len(p) {
				n = len(p) - 8
			}
			pu.Path = p[8 : 8+n]
		}
	}
	return pu, nil
}

// SendConfirmed closes the loop on an outbound send.
type SendConfirmed struct {
	AckHash    uint32
	TripTimeMS uint32
}

func (*SendConfirmed) Code() Code { return PushSendConfirmed }

func parseSendConfirmed(p []byte) (*SendConfirmed, error) {
	if len(p) < 9 {
		return nil, short("send confirmed")
	}
	return &SendConfirmed{
		AckHash:    binary.LittleEndian.Uint32(p[1:5]),
		TripTimeMS: binary.LittleEndian.Uint32(p[5:9]),
	}, nil
}

// MsgWaiting signals queued messages on the device.
type MsgWaiting struct{}

func (*MsgWaiting) Code() Code { return PushMsgWaiting }

// RawData is an application payload received outside the text protocol.
type RawData struct {
	SNR     float32
	RSSI    int8
	Payload []byte
}

func (*RawData) Code() Code { return PushRawData }

func parseRawData(p []byte) (*RawData, error) {
	if len(p) < 3 {
		return nil, short("raw data")
	}
	return &RawData{
		SNR:     float32(int8(p[1])) / 4,
		RSSI:    int8(p[2]),
		Payload: p[3:],
	}, nil
}

// LoginSuccess acknowledges a repeater/room login, matched by prefix.
type LoginSuccess struct {
	Prefix [6]byte
	Tail   []byte
}

func (*LoginSuccess) Code() Code { return PushLoginSuccess }

func parseLoginSuccess(p []byte) (*LoginSuccess, error) {
	if len(p) < 7 {
		return nil, short("login success")
	}
	ls := &LoginSuccess{Tail: p[7:]}
	copy(ls.Prefix[:], p[1:7])
	return ls, nil
}

// StatusResponse carries a repeater's status blob; the leading u16 is its
// battery reading, the rest is firmware-specific counters surfaced raw.
type StatusResponse struct {
	Prefix     [6]byte
	BatteryMV  uint16
	HasBattery bool
	Raw        []byte
}

func (*StatusResponse) Code() Code { return PushStatusResponse }

func parseStatusResponse(p []byte) (*StatusResponse, error) {
	if len(p) < 7 {
		return nil, short("status response")
	}
	sr := &StatusResponse{Raw: p[7:]}
	copy(sr.Prefix[:], p[1:7])
	if len(sr.Raw) >= 2 {
		sr.BatteryMV = binary.LittleEndian.Uint16(sr.Raw[0:2])
		sr.HasBattery = true
	}
	return sr, nil
}

// LogRxData is a raw over-the-air packet from the radio log, decryptable
// by the packet layer.
type LogRxData struct {
	SNR    float32
	RSSI   int8
	Packet []byte
}

func (*LogRxData) Code() Code { return PushLogRxData }

func parseLogRxData(p []byte) (*LogRxData, error) {
	if len(p) < 3 {
		return nil, short("log rx data")
	}
	return &LogRxData{
		SNR:    float32(int8(p[1])) / 4,
		RSSI:   int8(p[2]),
		Packet: p[3:],
	}, nil
}

// TraceHop is one repeater on a probed route.
type TraceHop struct {
	Addr uint8
	SNR  float32
}

// TraceData answers a SendTracePath probe, matched by tag.
type TraceData struct {
	Tag      uint32
	AuthCode uint32
	Flags    uint8
	Hops     []TraceHop
}

func (*TraceData) Code() Code { return PushTraceData }

func parseTraceData(p []byte) (*TraceData, error) {
	if len(p) < 11 {
		return nil, short("trace data")
	}
	td := &TraceData{
		Tag:      binary.LittleEndian.Uint32(p[2:6]),
		AuthCode: binary.LittleEndian.Uint32(p[6:10]),
		Flags:    p[10],
	}
	hops := int(p[1])
	rest := p[11:]
	for i := 0; i < hops && 2*i+1 < len(rest); i++ {
		td.Hops = append(td.Hops, TraceHop{
			Addr: rest[2*i],
			SNR:  float32(int8(rest[2*i+1])) / 4,
		})
	}
	return td, nil
}

// NewAdvert delivers a full contact record for a node not yet in the
// contact list (manual-add mode).
type NewAdvert struct {
	Contact Contact
}

func (*NewAdvert) Code() Code { return PushNewAdvert }

func parseNewAdvert(p []byte) (*NewAdvert, error) {
	c, err := contactBody(p)
	if err != nil {
		return nil, err
	}
	return &NewAdvert{Contact: *c}, nil
}

// Telemetry carries a sensor's LPP-encoded readings, surfaced as raw
// items.
type Telemetry struct {
	Prefix [6]byte
	LPP    []byte
}

func (*Telemetry) Code() Code { return PushTelemetry }

func parseTelemetry(p []byte) (*Telemetry, error) {
	if len(p) < 7 {
		return nil, short("telemetry")
	}
	t := &Telemetry{LPP: p[7:]}
	copy(t.Prefix[:], p[1:7])
	return t, nil
}

// LPPItem is one channel/type/value triple from a telemetry payload. The
// value stays raw bytes; interpretation is the consumer's concern.
type LPPItem struct {
	Channel uint8
	Type    uint8
	Data    []byte
}

// lppSizes maps LPP type to payload size for the common sensor types.
var lppSizes = map[uint8]int{
	0x00: 1, // digital input
	0x01: 1, // digital output
	0x02: 2, // analog input
	0x03: 2, // analog output
	0x65: 2, // illuminance
	0x66: 1, // presence
	0x67: 2, // temperature
	0x68: 1, // humidity
	0x71: 6, // accelerometer
	0x73: 2, // barometer
	0x74: 2, // voltage
	0x75: 2, // current
	0x86: 6, // gyrometer
	0x88: 9, // gps
}

// SplitLPP splits a telemetry payload into items. An unknown type stops
// the walk and returns the remainder as one opaque item.
func SplitLPP(lpp []byte) []LPPItem {
	var items []LPPItem
	for len(lpp) >= 2 {
		size, ok := lppSizes[lpp[1]]
		if !ok || len(lpp) < 2+size {
			items = append(items, LPPItem{Channel: lpp[0], Type: lpp[1], Data: lpp[2:]})
			return items
		}
		items = append(items, LPPItem{Channel: lpp[0], Type: lpp[1], Data: lpp[2 : 2+size]})
		lpp = lpp[2+size:]
	}
	return items
}

// BinaryResponse carries an opaque per-request blob from a remote node.
type BinaryResponse struct {
	Prefix [6]byte
	Blob   []byte
}

func (*BinaryResponse) Code() Code { return PushBinaryResponse }

func parseBinaryResponse(p []byte) (*BinaryResponse, error) {
	if len(p) < 7 {
		return nil, short("binary response")
	}
	br := &BinaryResponse{Blob: p[7:]}
	copy(br.Prefix[:], p[1:7])
	return br, nil
}
