// Package packet decodes raw over-the-air mesh packets as captured by the
// radio log, and decrypts group-channel payloads. The wire format is a
// 1-byte bit-packed header, optional transport codes, a length-prefixed
// path, then the payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header bit layout: bits 0-1 route type, bits 2-5 payload type, bits 6-7
// payload version.
const (
	routeMask = 0x03
	typeShift = 2
	typeMask  = 0x0F
	verShift  = 6
	verMask   = 0x03
)

// Route types.
const (
	RouteTransportFlood  uint8 = 0x00
	RouteFlood           uint8 = 0x01
	RouteDirect          uint8 = 0x02
	RouteTransportDirect uint8 = 0x03
)

// Payload types.
const (
	TypeReq       uint8 = 0x00
	TypeResponse  uint8 = 0x01
	TypeTxtMsg    uint8 = 0x02
	TypeAck       uint8 = 0x03
	TypeAdvert    uint8 = 0x04
	TypeGrpTxt    uint8 = 0x05
	TypeGrpData   uint8 = 0x06
	TypeAnonReq   uint8 = 0x07
	TypePath      uint8 = 0x08
	TypeTrace     uint8 = 0x09
	TypeMultipart uint8 = 0x0A
	TypeControl   uint8 = 0x0B
	TypeRawCustom uint8 = 0x0F
)

const (
	// MaxPathSize bounds the hop list.
	MaxPathSize = 64
	// MaxPayload bounds the packet payload.
	MaxPayload = 184
)

var (
	ErrTooShort    = errors.New("packet too short")
	ErrPathTooLong = errors.New("packet path exceeds maximum")
)

// Packet is one over-the-air unit.
type Packet struct {
	Header         uint8
	TransportCodes [2]uint16
	Path           []byte
	Payload        []byte
}

// MakeHeader packs the three header fields.
func MakeHeader(route, payloadType, version uint8) uint8 {
	return route&routeMask | (payloadType&typeMask)<<typeShift | (version&verMask)<<verShift
}

func (p *Packet) RouteType() uint8      { return p.Header & routeMask }
func (p *Packet) PayloadType() uint8    { return (p.Header >> typeShift) & typeMask }
func (p *Packet) PayloadVersion() uint8 { return (p.Header >> verShift) & verMask }

// IsFlood reports broadcast routing.
func (p *Packet) IsFlood() bool {
	rt := p.RouteType()
	return rt == RouteFlood || rt == RouteTransportFlood
}

// HasTransportCodes reports whether the header byte is followed by the
// two 16-bit transport codes.
func (p *Packet) HasTransportCodes() bool {
	rt := p.RouteType()
	return rt == RouteTransportFlood || rt == RouteTransportDirect
}

// Decode parses a raw packet. The input is not retained.
func Decode(data []byte) (*Packet, error) {
	if len(data) < 2 {
		return nil, ErrTooShort
	}
	p := &Packet{Header: data[0]}
	i := 1
	if p.HasTransportCodes() {
		if len(data) < i+4 {
			return nil, ErrTooShort
		}
		p.TransportCodes[0] = binary.LittleEndian.Uint16(data[i:])
		p.TransportCodes[1] = binary.LittleEndian.Uint16(data[i+2:])
		i += 4
	}
	if len(data) < i+1 {
		return nil, ErrTooShort
	}
	pathLen := int(data[i])
	i++
	if pathLen > MaxPathSize {
		return nil, fmt.Errorf("%w: %d", ErrPathTooLong, pathLen)
	}
	if len(data) < i+pathLen {
		return nil, ErrTooShort
	}
	p.Path = append([]byte(nil), data[i:i+pathLen]...)
	i += pathLen
	if i >= len(data) {
		return nil, fmt.Errorf("%w: no payload", ErrTooShort)
	}
	if len(data)-i > MaxPayload {
		return nil, fmt.Errorf("packet payload %d exceeds maximum", len(data)-i)
	}
	p.Payload = append([]byte(nil), data[i:]...)
	return p, nil
}

// Encode serializes the packet back to wire form.
func (p *Packet) Encode() []byte {
	size := 2 + len(p.Path) + len(p.Payload)
	if p.HasTransportCodes() {
		size += 4
	}
	out := make([]byte, 0, size)
	out = append(out, p.Header)
	if p.HasTransportCodes() {
		out = binary.LittleEndian.AppendUint16(out, p.TransportCodes[0])
		out = binary.LittleEndian.AppendUint16(out, p.TransportCodes[1])
	}
	out = append(out, uint8(len(p.Path)))
	out = append(out, p.Path...)
	return append(out, p.Payload...)
}

// RouteTypeName names a route type for logs.
func RouteTypeName(rt uint8) string {
	switch rt {
	case RouteTransportFlood:
		return "transport-flood"
	case RouteFlood:
		return "flood"
	case RouteDirect:
		return "direct"
	case RouteTransportDirect:
		return "transport-direct"
	}
	return fmt.Sprintf("route(%d)", rt)
}

// PayloadTypeName names a payload type for logs.
func PayloadTypeName(pt uint8) string {
	switch pt {
	case TypeReq:
		return "req"
	case TypeResponse:
		return "response"
	case TypeTxtMsg:
		return "txt"
	case TypeAck:
		return "ack"
	case TypeAdvert:
		return "advert"
	case TypeGrpTxt:
		return "grp-txt"
	case TypeGrpData:
		return "grp-data"
	case TypeAnonReq:
		return "anon-req"
	case TypePath:
		return "path"
	case TypeTrace:
		return "trace"
	case TypeMultipart:
		return "multipart"
	case TypeControl:
		return "control"
	case TypeRawCustom:
		return "raw"
	}
	return fmt.Sprintf("type(%d)", pt)
}
