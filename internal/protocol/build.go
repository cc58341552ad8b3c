package protocol

import "encoding/binary"

// Builders for outbound command frames. Each returns the full frame,
// code byte included, ready for the transport.

// AppStart opens a session; the device answers with SelfInfo.
func AppStart(appVer uint8, appName string) []byte {
	frame := make([]byte, 8, 8+len(appName))
	frame[0] = CmdAppStart
	frame[1] = appVer
	return append(frame, appName...)
}

// SendTxtMsg addresses a direct text to a contact by 6-byte key prefix.
// The attempt counter lets the firmware dedup client-side retries.
func SendTxtMsg(txtType, attempt uint8, senderTS uint32, prefix [6]byte, text string) []byte {
	frame := make([]byte, 13, 14+len(text))
	frame[0] = CmdSendTxtMsg
	frame[1] = txtType
	frame[2] = attempt
	binary.LittleEndian.PutUint32(frame[3:7], senderTS)
	copy(frame[7:13], prefix[:])
	frame = append(frame, text...)
	return append(frame, 0)
}

// SendChannelTxtMsg posts a text to a group channel slot.
func SendChannelTxtMsg(txtType, channelIdx uint8, senderTS uint32, text string) []byte {
	frame := make([]byte, 7, 8+len(text))
	frame[0] = CmdSendChannelTxtMsg
	frame[1] = txtType
	frame[2] = channelIdx
	binary.LittleEndian.PutUint32(frame[3:7], senderTS)
	frame = append(frame, text...)
	return append(frame, 0)
}

// GetContacts requests the contact stream. A non-zero since value asks
// only for contacts modified at or after that watermark.
func GetContacts(since uint32) []byte {
	if since == 0 {
		return []byte{CmdGetContacts}
	}
	frame := make([]byte, 5)
	frame[0] = CmdGetContacts
	binary.LittleEndian.PutUint32(frame[1:5], since)
	return frame
}

func GetDeviceTime() []byte { return []byte{CmdGetDeviceTime} }

func SetDeviceTime(epoch uint32) []byte {
	frame := make([]byte, 5)
	frame[0] = CmdSetDeviceTime
	binary.LittleEndian.PutUint32(frame[1:5], epoch)
	return frame
}

// SendSelfAdvert broadcasts our advert, zero-hop by default or flooded.
func SendSelfAdvert(flood bool) []byte {
	f := byte(0)
	if flood {
		f = 1
	}
	return []byte{CmdSendSelfAdvert, f}
}

func SetAdvertName(name string) []byte {
	return append([]byte{CmdSetAdvertName}, name...)
}

// AddUpdateContact uploads a contact record to the device.
func AddUpdateContact(pubkey [32]byte, typ, flags uint8, outPathLen int8, outPath [64]byte, name string, lastAdvert uint32, lat, lon float64) []byte {
	frame := make([]byte, 144)
	frame[0] = CmdAddUpdateContact
	copy(frame[1:33], pubkey[:])
	frame[33] = typ
	frame[34] = flags
	frame[35] = byte(outPathLen)
	copy(frame[36:100], outPath[:])
	putPadded(frame[100:132], name)
	binary.LittleEndian.PutUint32(frame[132:136], lastAdvert)
	binary.LittleEndian.PutUint32(frame[136:140], uint32(microDegrees(lat)))
	binary.LittleEndian.PutUint32(frame[140:144], uint32(microDegrees(lon)))
	return frame
}

func SyncNextMessage() []byte { return []byte{CmdSyncNextMessage} }

func SetRadioParams(freqHz, bandwidthHz uint32, sf, cr uint8) []byte {
	frame := make([]byte, 11)
	frame[0] = CmdSetRadioParams
	binary.LittleEndian.PutUint32(frame[1:5], freqHz)
	binary.LittleEndian.PutUint32(frame[5:9], bandwidthHz)
	frame[9] = sf
	frame[10] = cr
	return frame
}

func SetTxPower(dbm uint8) []byte { return []byte{CmdSetTxPower, dbm} }

// ResetPath clears the device's discovered route to a contact, forcing
// the next send to flood.
func ResetPath(pubkey [32]byte) []byte {
	return append([]byte{CmdResetPath}, pubkey[:]...)
}

func SetAdvertLatLon(lat, lon float64) []byte {
	frame := make([]byte, 9)
	frame[0] = CmdSetAdvertLatLon
	binary.LittleEndian.PutUint32(frame[1:5], uint32(microDegrees(lat)))
	binary.LittleEndian.PutUint32(frame[5:9], uint32(microDegrees(lon)))
	return frame
}

func RemoveContact(pubkey [32]byte) []byte {
	return append([]byte{CmdRemoveContact}, pubkey[:]...)
}

func ShareContact(pubkey [32]byte) []byte {
	return append([]byte{CmdShareContact}, pubkey[:]...)
}

// ExportContact asks for a shareable advert blob; a zero key exports our
// own identity.
func ExportContact(pubkey [32]byte) []byte {
	if pubkey == ([32]byte{}) {
		return []byte{CmdExportContact}
	}
	return append([]byte{CmdExportContact}, pubkey[:]...)
}

func ImportContact(blob []byte) []byte {
	return append([]byte{CmdImportContact}, blob...)
}

func Reboot() []byte { return []byte{CmdReboot} }

func GetBatteryVoltage() []byte { return []byte{CmdGetBatteryVoltage} }

func SetTuningParams(rxDelayBase, txDelayFactor uint32) []byte {
	frame := make([]byte, 9)
	frame[0] = CmdSetTuningParams
	binary.LittleEndian.PutUint32(frame[1:5], rxDelayBase)
	binary.LittleEndian.PutUint32(frame[5:9], txDelayFactor)
	return frame
}

func DeviceQuery(appTargetVer uint8) []byte {
	return []byte{CmdDeviceQuery, appTargetVer}
}

func ExportPrivateKey() []byte { return []byte{CmdExportPrivateKey} }

func ImportPrivateKey(key []byte) []byte {
	return append([]byte{CmdImportPrivateKey}, key...)
}

// SendRawData ships an opaque payload down an explicit path.
func SendRawData(path []byte, payload []byte) []byte {
	frame := make([]byte, 2, 2+len(path)+len(payload))
	frame[0] = CmdSendRawData
	frame[1] = byte(len(path))
	frame = append(frame, path...)
	return append(frame, payload...)
}

// SendLogin authenticates against a repeater or room server.
func SendLogin(pubkey [32]byte, password string) []byte {
	frame := make([]byte, 33, 33+len(password))
	frame[0] = CmdSendLogin
	copy(frame[1:33], pubkey[:])
	return append(frame, password...)
}

func SendStatusReq(pubkey [32]byte) []byte {
	return append([]byte{CmdSendStatusReq}, pubkey[:]...)
}

func GetChannel(idx uint8) []byte { return []byte{CmdGetChannel, idx} }

// SetChannel programs a channel slot. A zero PSK clears the slot.
func SetChannel(idx uint8, name string, psk [16]byte) []byte {
	frame := make([]byte, 50)
	frame[0] = CmdSetChannel
	frame[1] = idx
	putPadded(frame[2:34], name)
	copy(frame[34:50], psk[:])
	return frame
}

func SignStart() []byte { return []byte{CmdSignStart} }

func SignData(chunk []byte) []byte {
	return append([]byte{CmdSignData}, chunk...)
}

func SignFinish() []byte { return []byte{CmdSignFinish} }

// SendTracePath launches a route probe; hops append their address and
// SNR, returned later in a TraceData push matched by tag.
func SendTracePath(tag, authCode uint32, flags uint8, path []byte) []byte {
	frame := make([]byte, 10, 10+len(path))
	frame[0] = CmdSendTracePath
	binary.LittleEndian.PutUint32(frame[1:5], tag)
	binary.LittleEndian.PutUint32(frame[5:9], authCode)
	frame[9] = flags
	return append(frame, path...)
}

func GetRadioParams() []byte { return []byte{CmdGetRadioParams} }

func SetOtherParams(manualAddContacts bool, telemetryMode, advertLocPolicy uint8) []byte {
	m := byte(0)
	if manualAddContacts {
		m = 1
	}
	return []byte{CmdSetOtherParams, m, telemetryMode, advertLocPolicy}
}

func SendTelemetryReq(pubkey [32]byte) []byte {
	return append([]byte{CmdSendTelemetryReq}, pubkey[:]...)
}

func SendBinaryReq(pubkey [32]byte, reqType uint8, data []byte) []byte {
	frame := make([]byte, 34, 34+len(data))
	frame[0] = CmdSendBinaryReq
	copy(frame[1:33], pubkey[:])
	frame[33] = reqType
	return append(frame, data...)
}
