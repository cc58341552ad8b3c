package protocol

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecodeShortFrames(t *testing.T) {
	truncatedContact := make([]byte, 100)
	truncatedContact[0] = byte(RespContact)
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"contacts start", []byte{byte(RespContactsStart), 1, 2}},
		{"contact", truncatedContact},
		{"self info", []byte{byte(RespSelfInfo), 1, 2, 3}},
		{"sent", []byte{byte(RespSent), 1, 2, 3, 4}},
		{"contact msg", []byte{byte(RespContactMsgRecv), 1, 2, 3}},
		{"channel msg", []byte{byte(RespChannelMsgRecv), 1, 2}},
		{"curr time", []byte{byte(RespCurrTime), 1}},
		{"battery", []byte{byte(RespBatteryVoltage), 1}},
		{"channel info", []byte{byte(RespChannelInfo), 0, 'a'}},
		{"radio params", []byte{byte(RespRadioParams), 1, 2, 3}},
		{"advert", []byte{byte(PushAdvert), 1, 2}},
		{"send confirmed", []byte{byte(PushSendConfirmed), 1, 2, 3}},
		{"telemetry", []byte{byte(PushTelemetry), 1, 2}},
	}
	for _, tt := range tests {
		f, err := Decode(tt.frame)
		if !errors.Is(err, ErrShortFrame) {
			t.Errorf("%s: Decode = (%v, %v), want ErrShortFrame", tt.name, f, err)
		}
	}
}

func TestDecodeUnknownCode(t *testing.T) {
	f, err := Decode([]byte{0x7E, 0xAA, 0xBB})
	if err != nil {
		t.Fatalf("Decode unknown: %v", err)
	}
	u, ok := f.(*Unknown)
	if !ok {
		t.Fatalf("Decode unknown = %T, want *Unknown", f)
	}
	if u.RawCode != 0x7E || len(u.Payload) != 2 {
		t.Errorf("Unknown = {%#x, %d bytes}, want {0x7e, 2 bytes}", uint8(u.RawCode), len(u.Payload))
	}
}

func buildContactFrame(code Code, name string, pathLen int8) []byte {
	p := make([]byte, contactFrameLen)
	p[0] = byte(code)
	for i := 0; i < 32; i++ {
		p[1+i] = byte(i + 1)
	}
	p[33] = 2 // repeater
	p[34] = 0x01
	p[35] = byte(pathLen)
	p[36] = 0x11
	p[37] = 0x22
	copy(p[100:132], name)
	binary.LittleEndian.PutUint32(p[132:136], 1700000000)
	latRaw := int32(51477500) // 51.4775
	lonRaw := int32(-87123)   // -0.087123
	binary.LittleEndian.PutUint32(p[136:140], uint32(latRaw))
	binary.LittleEndian.PutUint32(p[140:144], uint32(lonRaw))
	binary.LittleEndian.PutUint32(p[144:148], 1700000101)
	return p
}

func TestParseContact(t *testing.T) {
	f, err := Decode(buildContactFrame(RespContact, "alpha", 2))
	if err != nil {
		t.Fatalf("Decode contact: %v", err)
	}
	c := f.(*Contact)
	if c.Name != "alpha" {
		t.Errorf("Name = %q, want %q", c.Name, "alpha")
	}
	if c.PublicKey[0] != 1 || c.PublicKey[31] != 32 {
		t.Errorf("PublicKey = % x", c.PublicKey[:4])
	}
	if c.Type != 2 || c.Flags != 0x01 {
		t.Errorf("Type/Flags = %d/%d, want 2/1", c.Type, c.Flags)
	}
	if c.OutPathLen != 2 || c.OutPath[0] != 0x11 || c.OutPath[1] != 0x22 {
		t.Errorf("OutPath = len %d % x", c.OutPathLen, c.OutPath[:2])
	}
	if c.LastAdvert != 1700000000 || c.LastMod != 1700000101 {
		t.Errorf("LastAdvert/LastMod = %d/%d", c.LastAdvert, c.LastMod)
	}
	if c.Lat < 51.4774 || c.Lat > 51.4776 {
		t.Errorf("Lat = %v, want ~51.4775", c.Lat)
	}
	if c.Lon > -0.087 || c.Lon < -0.0872 {
		t.Errorf("Lon = %v, want ~-0.0871", c.Lon)
	}
}

func TestParseContactFloodPath(t *testing.T) {
	f, err := Decode(buildContactFrame(RespContact, "beta", -1))
	if err != nil {
		t.Fatalf("Decode contact: %v", err)
	}
	if got := f.(*Contact).OutPathLen; got != -1 {
		t.Errorf("OutPathLen = %d, want -1", got)
	}
}

func TestParseNewAdvertSharesContactLayout(t *testing.T) {
	f, err := Decode(buildContactFrame(PushNewAdvert, "gamma", 1))
	if err != nil {
		t.Fatalf("Decode new advert: %v", err)
	}
	na := f.(*NewAdvert)
	if na.Contact.Name != "gamma" || na.Contact.OutPathLen != 1 {
		t.Errorf("NewAdvert contact = %q/%d", na.Contact.Name, na.Contact.OutPathLen)
	}
}

func TestParseSelfInfo(t *testing.T) {
	p := make([]byte, 58+4)
	p[0] = byte(RespSelfInfo)
	p[1] = 1  // adv type
	p[2] = 22 // tx power
	p[3] = 30
	for i := 0; i < 32; i++ {
		p[4+i] = byte(0xA0 + i%16)
	}
	siLat := int32(40712800)
	siLon := int32(-74006000)
	binary.LittleEndian.PutUint32(p[36:40], uint32(siLat))
	binary.LittleEndian.PutUint32(p[40:44], uint32(siLon))
	binary.LittleEndian.PutUint32(p[48:52], 869525000)
	binary.LittleEndian.PutUint32(p[52:56], 250000)
	p[56] = 11
	p[57] = 5
	copy(p[58:], "node")
	f, err := Decode(p)
	if err != nil {
		t.Fatalf("Decode self info: %v", err)
	}
	si := f.(*SelfInfo)
	if si.Name != "node" || si.TxPower != 22 || si.MaxTxPower != 30 {
		t.Errorf("SelfInfo = %+v", si)
	}
	if si.FreqHz != 869525000 || si.BandwidthHz != 250000 || si.SF != 11 || si.CR != 5 {
		t.Errorf("radio = %d/%d/%d/%d", si.FreqHz, si.BandwidthHz, si.SF, si.CR)
	}
	if si.Lat < 40.71 || si.Lat > 40.72 || si.Lon > -74.0 || si.Lon < -74.01 {
		t.Errorf("lat/lon = %v/%v", si.Lat, si.Lon)
	}
}

func TestParseSent(t *testing.T) {
	p := make([]byte, 10)
	p[0] = byte(RespSent)
	p[1] = 1
	binary.LittleEndian.PutUint32(p[2:6], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(p[6:10], 12500)
	f, err := Decode(p)
	if err != nil {
		t.Fatalf("Decode sent: %v", err)
	}
	s := f.(*Sent)
	if !s.Flood || s.AckHash != 0xDEADBEEF || s.TimeoutMS != 12500 {
		t.Errorf("Sent = %+v", s)
	}
}

func TestParseSendConfirmed(t *testing.T) {
	p := make([]byte, 9)
	p[0] = byte(PushSendConfirmed)
	binary.LittleEndian.PutUint32(p[1:5], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(p[5:9], 4321)
	f, err := Decode(p)
	if err != nil {
		t.Fatalf("Decode confirmed: %v", err)
	}
	sc := f.(*SendConfirmed)
	if sc.AckHash != 0xDEADBEEF || sc.TripTimeMS != 4321 {
		t.Errorf("SendConfirmed = %+v", sc)
	}
}

func legacyContactMsg(prefix [6]byte, pathLen, txtType uint8, ts uint32, text string) []byte {
	p := make([]byte, 13, 13+len(text))
	p[0] = byte(RespContactMsgRecv)
	copy(p[1:7], prefix[:])
	p[7] = pathLen
	p[8] = txtType
	binary.LittleEndian.PutUint32(p[9:13], ts)
	return append(p, text...)
}

func v3ContactMsg(snr int8, prefix [6]byte, pathLen, txtType uint8, ts uint32, text string) []byte {
	p := make([]byte, 16, 16+len(text))
	p[0] = byte(RespContactMsgRecvV3)
	p[1] = byte(snr)
	copy(p[4:10], prefix[:])
	p[10] = pathLen
	p[11] = txtType
	binary.LittleEndian.PutUint32(p[12:16], ts)
	return append(p, text...)
}

func TestContactMsgVariantParity(t *testing.T) {
	prefix := [6]byte{0xAB, 0xCD, 0xEF, 0x01, 0x02, 0x03}
	legacy, err := Decode(legacyContactMsg(prefix, 3, TxtTypePlain, 1700000042, "hello mesh"))
	if err != nil {
		t.Fatalf("legacy decode: %v", err)
	}
	v3, err := Decode(v3ContactMsg(10, prefix, 3, TxtTypePlain, 1700000042, "hello mesh"))
	if err != nil {
		t.Fatalf("v3 decode: %v", err)
	}
	lm, vm := legacy.(*ContactMsg), v3.(*ContactMsg)
	if lm.Text != vm.Text || lm.Prefix != vm.Prefix || lm.PathLen != vm.PathLen ||
		lm.TxtType != vm.TxtType || lm.SenderTS != vm.SenderTS {
		t.Errorf("variants disagree: legacy %+v, v3 %+v", lm, vm)
	}
	if vm.SNR != 2.5 {
		t.Errorf("v3 SNR = %v, want 2.5", vm.SNR)
	}
}

func TestContactMsgShiftedTextType(t *testing.T) {
	prefix := [6]byte{1, 2, 3, 4, 5, 6}
	f, err := Decode(legacyContactMsg(prefix, 0, TxtTypeCLI<<2, 1, "cmd"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := f.(*ContactMsg).TxtType; got != TxtTypeCLI {
		t.Errorf("TxtType = %d, want CLI", got)
	}
	if _, err := Decode(legacyContactMsg(prefix, 0, 0x33, 1, "x")); !errors.Is(err, ErrBadTextType) {
		t.Errorf("bad text type: err = %v, want ErrBadTextType", err)
	}
}

func TestContactMsgTextOffsetRetry(t *testing.T) {
	prefix := [6]byte{1, 2, 3, 4, 5, 6}
	frame := legacyContactMsg(prefix, 0, TxtTypePlain, 1, "")
	// Extra field before the text: NUL at the primary offset, text 4 in.
	frame = append(frame, 0, 0xFF, 0xFF, 0xFF)
	frame = append(frame, "late text"...)
	f, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := f.(*ContactMsg).Text; got != "late text" {
		t.Errorf("Text = %q, want %q", got, "late text")
	}
}

func legacyChannelMsg(idx, pathLen, txtType uint8, ts uint32, body string) []byte {
	p := make([]byte, 8, 8+len(body))
	p[0] = byte(RespChannelMsgRecv)
	p[1] = idx
	p[2] = pathLen
	p[3] = txtType
	binary.LittleEndian.PutUint32(p[4:8], ts)
	return append(p, body...)
}

func v3ChannelMsg(snr int8, idx, pathLen, txtType uint8, ts uint32, body string) []byte {
	p := make([]byte, 11, 11+len(body))
	p[0] = byte(RespChannelMsgRecvV3)
	p[1] = byte(snr)
	p[4] = idx
	p[5] = pathLen
	p[6] = txtType
	binary.LittleEndian.PutUint32(p[7:11], ts)
	return append(p, body...)
}

func TestChannelMsgVariantParity(t *testing.T) {
	legacy, err := Decode(legacyChannelMsg(2, 1, TxtTypePlain, 1700000100, "Ann: hi all"))
	if err != nil {
		t.Fatalf("legacy decode: %v", err)
	}
	v3, err := Decode(v3ChannelMsg(-6, 2, 1, TxtTypePlain, 1700000100, "Ann: hi all"))
	if err != nil {
		t.Fatalf("v3 decode: %v", err)
	}
	lm, vm := legacy.(*ChannelMsg), v3.(*ChannelMsg)
	if lm.Body != vm.Body || lm.ChannelIdx != vm.ChannelIdx || lm.SenderTS != vm.SenderTS {
		t.Errorf("variants disagree: legacy %+v, v3 %+v", lm, vm)
	}
	if vm.SNR != -1.5 {
		t.Errorf("v3 SNR = %v, want -1.5", vm.SNR)
	}
}

func TestSplitAuthor(t *testing.T) {
	tests := []struct {
		body       string
		wantAuthor string
		wantText   string
	}{
		{"Ann: hi all", "Ann", "hi all"},
		{"Ann: one: two", "Ann", "one: two"},
		{"no separator here", "", "no separator here"},
		{"weird:nospace", "", "weird:nospace"},
		{"", "", ""},
	}
	for _, tt := range tests {
		author, text := SplitAuthor(tt.body)
		if author != tt.wantAuthor || text != tt.wantText {
			t.Errorf("SplitAuthor(%q) = (%q, %q), want (%q, %q)",
				tt.body, author, text, tt.wantAuthor, tt.wantText)
		}
	}
}

func TestParseDeviceInfo(t *testing.T) {
	p := make([]byte, 70)
	p[0] = byte(RespDeviceInfo)
	p[1] = 3
	p[2] = 100 // 200 contacts
	p[3] = 16
	copy(p[8:20], "01-Jan-2026")
	copy(p[20:60], "Heltec V3")
	copy(p[60:], "v1.8.2")
	f, err := Decode(p)
	if err != nil {
		t.Fatalf("Decode device info: %v", err)
	}
	di := f.(*DeviceInfo)
	if di.FirmwareVer != 3 || di.MaxContacts != 200 || di.MaxChannels != 16 {
		t.Errorf("DeviceInfo = %+v", di)
	}
	if di.Model != "Heltec V3" || di.Version != "v1.8.2" || di.Build != "01-Jan-2026" {
		t.Errorf("strings = %q/%q/%q", di.Build, di.Model, di.Version)
	}
}

func TestParseDeviceInfoOldFirmware(t *testing.T) {
	f, err := Decode([]byte{byte(RespDeviceInfo), 2, 99, 99})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	di := f.(*DeviceInfo)
	if di.FirmwareVer != 2 || di.MaxContacts != 0 || di.MaxChannels != 0 {
		t.Errorf("old firmware should not report capacity: %+v", di)
	}
}

func TestParseChannelInfo(t *testing.T) {
	p := make([]byte, 50)
	p[0] = byte(RespChannelInfo)
	p[1] = 3
	copy(p[2:34], "Public")
	for i := 34; i < 50; i++ {
		p[i] = byte(i)
	}
	f, err := Decode(p)
	if err != nil {
		t.Fatalf("Decode channel info: %v", err)
	}
	ci := f.(*ChannelInfo)
	if ci.Index != 3 || ci.Name != "Public" || ci.Empty() {
		t.Errorf("ChannelInfo = %+v empty=%v", ci, ci.Empty())
	}

	empty := make([]byte, 50)
	empty[0] = byte(RespChannelInfo)
	f, err = Decode(empty)
	if err != nil {
		t.Fatalf("Decode empty channel: %v", err)
	}
	if !f.(*ChannelInfo).Empty() {
		t.Error("zero PSK should read as empty slot")
	}
}

func TestParseBattery(t *testing.T) {
	p := make([]byte, 11)
	p[0] = byte(RespBatteryVoltage)
	binary.LittleEndian.PutUint16(p[1:3], 3900)
	binary.LittleEndian.PutUint32(p[3:7], 120)
	binary.LittleEndian.PutUint32(p[7:11], 8192)
	f, err := Decode(p)
	if err != nil {
		t.Fatalf("Decode battery: %v", err)
	}
	b := f.(*BatteryInfo)
	if b.Millivolts != 3900 || !b.HasStorage || b.UsedKB != 120 || b.TotalKB != 8192 {
		t.Errorf("BatteryInfo = %+v", b)
	}

	f, err = Decode(p[:3])
	if err != nil {
		t.Fatalf("Decode short battery: %v", err)
	}
	if f.(*BatteryInfo).HasStorage {
		t.Error("2-byte battery frame should not report storage")
	}
}

func TestParsePathUpdated(t *testing.T) {
	p := []byte{byte(PushPathUpdated), 1, 2, 3, 4, 5, 6, 2, 0xAA, 0xBB}
	f, err := Decode(p)
	if err != nil {
		t.Fatalf("Decode path updated: %v", err)
	}
	pu := f.(*PathUpdated)
	if pu.Prefix != [6]byte{1, 2, 3, 4, 5, 6} || pu.PathLen != 2 || len(pu.Path) != 2 {
		t.Errorf("PathUpdated = %+v", pu)
	}

	f, err = Decode(p[:7])
	if err != nil {
		t.Fatalf("Decode prefix-only: %v", err)
	}
	if got := f.(*PathUpdated).PathLen; got != -1 {
		t.Errorf("prefix-only PathLen = %d, want -1", got)
	}
}

func TestParseTraceData(t *testing.T) {
	p := make([]byte, 11, 15)
	p[0] = byte(PushTraceData)
	p[1] = 2
	binary.LittleEndian.PutUint32(p[2:6], 77)
	binary.LittleEndian.PutUint32(p[6:10], 88)
	p[10] = 1
	p = append(p, 0x10, 8, 0x20, 0xF8) // hop 0x10 snr 2.0, hop 0x20 snr -2.0
	f, err := Decode(p)
	if err != nil {
		t.Fatalf("Decode trace: %v", err)
	}
	td := f.(*TraceData)
	if td.Tag != 77 || td.AuthCode != 88 || len(td.Hops) != 2 {
		t.Fatalf("TraceData = %+v", td)
	}
	if td.Hops[0].SNR != 2.0 || td.Hops[1].SNR != -2.0 {
		t.Errorf("hop SNRs = %v/%v", td.Hops[0].SNR, td.Hops[1].SNR)
	}
}

func TestSplitLPP(t *testing.T) {
	lpp := []byte{
		1, 0x67, 0x01, 0x10, // temperature on channel 1
		2, 0x68, 0x55, // humidity on channel 2
	}
	items := SplitLPP(lpp)
	if len(items) != 2 {
		t.Fatalf("SplitLPP = %d items, want 2", len(items))
	}
	if items[0].Type != 0x67 || len(items[0].Data) != 2 {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].Type != 0x68 || len(items[1].Data) != 1 {
		t.Errorf("item 1 = %+v", items[1])
	}

	unknown := SplitLPP([]byte{1, 0xEE, 9, 9, 9})
	if len(unknown) != 1 || len(unknown[0].Data) != 3 {
		t.Errorf("unknown type should swallow remainder: %+v", unknown)
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("plain"), "plain"},
		{[]byte("cut\x00tail"), "cut"},
		{[]byte{0xE9, 0x74, 0xE9}, "été"}, // latin-1 fallback
		{nil, ""},
	}
	for _, tt := range tests {
		if got := DecodeText(tt.in); got != tt.want {
			t.Errorf("DecodeText(% x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTxtType(t *testing.T) {
	tests := []struct {
		in     uint8
		want   uint8
		wantOk bool
	}{
		{0, 0, true},
		{1, 1, true},
		{1 << 2, 1, true},
		{2, 0, true}, // shifts down to plain
		{0x33, 0, false},
		{0xFF, 0, false},
	}
	for _, tt := range tests {
		got, ok := normalizeTxtType(tt.in)
		if got != tt.want || ok != tt.wantOk {
			t.Errorf("normalizeTxtType(%#x) = (%d, %v), want (%d, %v)",
				tt.in, got, ok, tt.want, tt.wantOk)
		}
	}
}
