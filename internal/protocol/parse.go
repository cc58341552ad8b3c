package protocol

import (
	"encoding/binary"
	"fmt"
)

// Ok acknowledges a command.
type Ok struct{}

func (*Ok) Code() Code { return RespOk }

// DeviceErr is the device's rejection of a command.
type DeviceErr struct {
	ErrCode uint8
}

func (*DeviceErr) Code() Code { return RespErr }

func (e *DeviceErr) Error() string {
	return fmt.Sprintf("device rejected command: code %d", e.ErrCode)
}

func parseDeviceErr(p []byte) *DeviceErr {
	e := &DeviceErr{}
	if len(p) > 1 {
		e.ErrCode = p[1]
	}
	return e
}

// ContactsStart opens a contact stream.
type ContactsStart struct {
	Count uint32
}

func (*ContactsStart) Code() Code { return RespContactsStart }

func parseContactsStart(p []byte) (*ContactsStart, error) {
	if len(p) < 5 {
		return nil, short("contacts start")
	}
	return &ContactsStart{Count: binary.LittleEndian.Uint32(p[1:5])}, nil
}

// Contact is one record of the device's contact stream.
type Contact struct {
	PublicKey  [32]byte
	Type       uint8
	Flags      uint8
	OutPathLen int8
	OutPath    [64]byte
	Name       string
	LastAdvert uint32
	Lat        float64
	Lon        float64
	LastMod    uint32
}

func (*Contact) Code() Code { return RespContact }

const contactFrameLen = 148

func parseContact(p []byte) (*Contact, error) {
	c, err := contactBody(p)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// contactBody reads the 147-byte contact record that follows any leading
// code byte; Contact responses and NewAdvert pushes share it.
func contactBody(p []byte) (*Contact, error) {
	if len(p) < contactFrameLen {
		return nil, short("contact frame")
	}
	c := &Contact{
		Type:       p[33],
		Flags:      p[34],
		OutPathLen: int8(p[35]),
		Name:       DecodeText(p[100:132]),
		LastAdvert: binary.LittleEndian.Uint32(p[132:136]),
		Lat:        degrees(int32(binary.LittleEndian.Uint32(p[136:140]))),
		Lon:        degrees(int32(binary.LittleEndian.Uint32(p[140:144]))),
		LastMod:    binary.LittleEndian.Uint32(p[144:148]),
	}
	copy(c.PublicKey[:], p[1:33])
	copy(c.OutPath[:], p[36:100])
	return c, nil
}

// EndOfContacts terminates a contact stream.
type EndOfContacts struct{}

func (*EndOfContacts) Code() Code { return RespEndOfContacts }

// SelfInfo is the device's own identity and radio configuration.
type SelfInfo struct {
	AdvType     uint8
	TxPower     uint8
	MaxTxPower  uint8
	PublicKey   [32]byte
	Lat         float64
	Lon         float64
	Flags       uint32
	FreqHz      uint32
	BandwidthHz uint32
	SF          uint8
	CR          uint8
	Name        string
}

func (*SelfInfo) Code() Code { return RespSelfInfo }

func parseSelfInfo(p []byte) (*SelfInfo, error) {
	if len(p) < 58 {
		return nil, short("self info")
	}
	si := &SelfInfo{
		AdvType:     p[1],
		TxPower:     p[2],
		MaxTxPower:  p[3],
		Lat:         degrees(int32(binary.LittleEndian.Uint32(p[36:40]))),
		Lon:         degrees(int32(binary.LittleEndian.Uint32(p[40:44]))),
		Flags:       binary.LittleEndian.Uint32(p[44:48]),
		FreqHz:      binary.LittleEndian.Uint32(p[48:52]),
		BandwidthHz: binary.LittleEndian.Uint32(p[52:56]),
		SF:          p[56],
		CR:          p[57],
		Name:        DecodeText(p[58:]),
	}
	copy(si.PublicKey[:], p[4:36])
	return si, nil
}

// Sent acknowledges an outbound text: the device assigned an ACK hash and
// estimated a delivery timeout.
type Sent struct {
	Flood     bool
	AckHash   uint32
	TimeoutMS uint32
}

func (*Sent) Code() Code { return RespSent }

func parseSent(p []byte) (*Sent, error) {
	if len(p) < 10 {
		return nil, short("sent")
	}
	return &Sent{
		Flood:     p[1] != 0,
		AckHash:   binary.LittleEndian.Uint32(p[2:6]),
		TimeoutMS: binary.LittleEndian.Uint32(p[6:10]),
	}, nil
}

// ContactMsg is a direct text from a contact, identified by key prefix.
// The V3 wire variant prepends SNR before the same fields.
type ContactMsg struct {
	V3       bool
	SNR      float32
	Prefix   [6]byte
	PathLen  uint8
	TxtType  uint8
	SenderTS uint32
	Text     string
}

func (m *ContactMsg) Code() Code {
	if m.V3 {
		return RespContactMsgRecvV3
	}
	return RespContactMsgRecv
}

func parseContactMsg(p []byte, v3 bool) (*ContactMsg, error) {
	// Layouts differ only in the offset before the 6-byte prefix.
	off := 1
	m := &ContactMsg{V3: v3}
	if v3 {
		if len(p) < 4 {
			return nil, short("contact msg v3")
		}
		m.SNR = float32(int8(p[1])) / 4
		off = 4
	}
	if len(p) < off+12 {
		return nil, short("contact msg")
	}
	copy(m.Prefix[:], p[off:off+6])
	m.PathLen = p[off+6]
	txt, ok := normalizeTxtType(p[off+7])
	if !ok {
		return nil, ErrBadTextType
	}
	m.TxtType = txt
	m.SenderTS = binary.LittleEndian.Uint32(p[off+8 : off+12])
	m.Text = messageText(p, off+12)
	return m, nil
}

// messageText reads the trailing C-string; an empty read retries 4 bytes
// further in, where some firmware puts the text after an extra field.
func messageText(p []byte, start int) string {
	if start >= len(p) {
		return ""
	}
	text := DecodeText(p[start:])
	if text == "" && len(p) > start+4 {
		text = DecodeText(p[start+4:])
	}
	return text
}

// ChannelMsg is a group-channel text. The body carries the author inline
// as "Name: text"; SplitAuthor separates them.
type ChannelMsg struct {
	V3         bool
	SNR        float32
	ChannelIdx uint8
	PathLen    uint8
	TxtType    uint8
	SenderTS   uint32
	Body       string
}

func (m *ChannelMsg) Code() Code {
	if m.V3 {
		return RespChannelMsgRecvV3
	}
	return RespChannelMsgRecv
}

func parseChannelMsg(p []byte, v3 bool) (*ChannelMsg, error) {
	off := 1
	m := &ChannelMsg{V3: v3}
	if v3 {
		if len(p) < 4 {
			return nil, short("channel msg v3")
		}
		m.SNR = float32(int8(p[1])) / 4
		off = 4
	}
	if len(p) < off+7 {
		return nil, short("channel msg")
	}
	m.ChannelIdx = p[off]
	m.PathLen = p[off+1]
	txt, ok := normalizeTxtType(p[off+2])
	if !ok {
		return nil, ErrBadTextType
	}
	m.TxtType = txt
	m.SenderTS = binary.LittleEndian.Uint32(p[off+3 : off+7])
	m.Body = messageText(p, off+7)
	return m, nil
}

// SplitAuthor separates the inline "Name: text" form. A missing separator
// or a colon inside the name segment leaves the author empty and the whole
// body as text.
func SplitAuthor(body string) (author, text string) {
	for i := 0; i+1 < len(body); i++ {
		if body[i] == ':' {
			if body[i+1] == ' ' {
				return body[:i], body[i+2:]
			}
			break
		}
	}
	return "", body
}

// CurrTime is the device clock reading.
type CurrTime struct {
	Epoch uint32
}

func (*CurrTime) Code() Code { return RespCurrTime }

func parseCurrTime(p []byte) (*CurrTime, error) {
	if len(p) < 5 {
		return nil, short("curr time")
	}
	return &CurrTime{Epoch: binary.LittleEndian.Uint32(p[1:5])}, nil
}

// NoMoreMessages ends a queued-message drain.
type NoMoreMessages struct{}

func (*NoMoreMessages) Code() Code { return RespNoMoreMessages }

// ExportedContact carries a shareable advert blob.
type ExportedContact struct {
	Blob []byte
}

func (*ExportedContact) Code() Code { return RespExportContact }

// BatteryInfo reports millivolts, with storage stats on newer firmware.
type BatteryInfo struct {
	Millivolts uint16
	UsedKB     uint32
	TotalKB    uint32
	HasStorage bool
}

func (*BatteryInfo) Code() Code { return RespBatteryVoltage }

func parseBattery(p []byte) (*BatteryInfo, error) {
	if len(p) < 3 {
		return nil, short("battery")
	}
	b := &BatteryInfo{Millivolts: binary.LittleEndian.Uint16(p[1:3])}
	if len(p) >= 11 {
		b.UsedKB = binary.LittleEndian.Uint32(p[3:7])
		b.TotalKB = binary.LittleEndian.Uint32(p[7:11])
		b.HasStorage = true
	}
	return b, nil
}

// DeviceInfo answers a DeviceQuery. Firmware 3+ reports capacity limits
// and identification strings.
type DeviceInfo struct {
	FirmwareVer uint8
	MaxContacts int
	MaxChannels int
	Build       string
	Model       string
	Version     string
}

func (*DeviceInfo) Code() Code { return RespDeviceInfo }

func parseDeviceInfo(p []byte) (*DeviceInfo, error) {
	if len(p) < 2 {
		return nil, short("device info")
	}
	di := &DeviceInfo{FirmwareVer: p[1]}
	if di.FirmwareVer < 3 {
		return di, nil
	}
	if len(p) >= 3 {
		// Contact capacity rides in half units to fit a byte.
		di.MaxContacts = int(p[2]) * 2
	}
	if len(p) >= 4 {
		di.MaxChannels = int(p[3])
	}
	if len(p) >= 60 {
		di.Build = DecodeText(p[8:20])
		di.Model = DecodeText(p[20:60])
		di.Version = DecodeText(p[60:])
	}
	return di, nil
}

// PrivateKey carries the device identity key after an export command.
type PrivateKey struct {
	Key []byte
}

func (*PrivateKey) Code() Code { return RespPrivateKey }

// Disabled means the queried capability is switched off on the device.
type Disabled struct{}

func (*Disabled) Code() Code { return RespDisabled }

// ChannelInfo describes one channel slot. A zero PSK marks an empty slot.
type ChannelInfo struct {
	Index uint8
	Name  string
	PSK   [16]byte
}

func (*ChannelInfo) Code() Code { return RespChannelInfo }

// Empty reports an unconfigured slot.
func (ci *ChannelInfo) Empty() bool { return ci.PSK == [16]byte{} }

func parseChannelInfo(p []byte) (*ChannelInfo, error) {
	if len(p) < 50 {
		return nil, short("channel info")
	}
	ci := &ChannelInfo{
		Index: p[1],
		Name:  DecodeText(p[2:34]),
	}
	copy(ci.PSK[:], p[34:50])
	return ci, nil
}

// SignStartAck confirms the device is ready for SignData chunks.
type SignStartAck struct{}

func (*SignStartAck) Code() Code { return RespSignStart }

// Signature finishes a signing session.
type Signature struct {
	Sig []byte
}

func (*Signature) Code() Code { return RespSignature }

// RadioParams answers a GetRadioParams query.
type RadioParams struct {
	FreqHz      uint32
	BandwidthHz uint32
	SF          uint8
	CR          uint8
}

func (*RadioParams) Code() Code { return RespRadioParams }

func parseRadioParams(p []byte) (*RadioParams, error) {
	if len(p) < 11 {
		return nil, short("radio params")
	}
	return &RadioParams{
		FreqHz:      binary.LittleEndian.Uint32(p[1:5]),
		BandwidthHz: binary.LittleEndian.Uint32(p[5:9]),
		SF:          p[9],
		CR:          p[10],
	}, nil
}
