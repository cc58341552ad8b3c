// Package protocol implements the companion-radio frame codec: builders
// for outbound command frames and typed parsers for inbound response and
// push frames. All multi-byte integers are little-endian. Parsers never
// panic on short input; they return ErrShortFrame so the dispatcher can
// drop the frame and keep the link alive.
package protocol

import "fmt"

// Command codes, the first byte of every outbound frame.
const (
	CmdAppStart          byte = 0x01
	CmdSendTxtMsg        byte = 0x02
	CmdSendChannelTxtMsg byte = 0x03
	CmdGetContacts       byte = 0x04
	CmdGetDeviceTime     byte = 0x05
	CmdSetDeviceTime     byte = 0x06
	CmdSendSelfAdvert    byte = 0x07
	CmdSetAdvertName     byte = 0x08
	CmdAddUpdateContact  byte = 0x09
	CmdSyncNextMessage   byte = 0x0A
	CmdSetRadioParams    byte = 0x0B
	CmdSetTxPower        byte = 0x0C
	CmdResetPath         byte = 0x0D
	CmdSetAdvertLatLon   byte = 0x0E
	CmdRemoveContact     byte = 0x0F
	CmdShareContact      byte = 0x10
	CmdExportContact     byte = 0x11
	CmdImportContact     byte = 0x12
	CmdReboot            byte = 0x13
	CmdGetBatteryVoltage byte = 0x14
	CmdSetTuningParams   byte = 0x15
	CmdDeviceQuery       byte = 0x16
	CmdExportPrivateKey  byte = 0x17
	CmdImportPrivateKey  byte = 0x18
	CmdSendRawData       byte = 0x19
	CmdSendLogin         byte = 0x1A
	CmdSendStatusReq     byte = 0x1B
	CmdGetChannel        byte = 0x1F
	CmdSetChannel        byte = 0x20
	CmdSignStart         byte = 0x21
	CmdSignData          byte = 0x22
	CmdSignFinish        byte = 0x23
	CmdSendTracePath     byte = 0x24
	CmdGetRadioParams    byte = 0x25
	CmdSetOtherParams    byte = 0x26
	CmdSendTelemetryReq  byte = 0x27
	CmdSendBinaryReq     byte = 0x32
)

// Code tags an inbound frame. Values below 0x80 are responses to commands,
// values at or above 0x80 are unsolicited pushes.
type Code uint8

const (
	RespOk               Code = 0x00
	RespErr              Code = 0x01
	RespContactsStart    Code = 0x02
	RespContact          Code = 0x03
	RespEndOfContacts    Code = 0x04
	RespSelfInfo         Code = 0x05
	RespSent             Code = 0x06
	RespContactMsgRecv   Code = 0x07
	RespChannelMsgRecv   Code = 0x08
	RespCurrTime         Code = 0x09
	RespNoMoreMessages   Code = 0x0A
	RespExportContact    Code = 0x0B
	RespBatteryVoltage   Code = 0x0C
	RespDeviceInfo       Code = 0x0D
	RespPrivateKey       Code = 0x0E
	RespDisabled         Code = 0x0F
	RespContactMsgRecvV3 Code = 0x10
	RespChannelMsgRecvV3 Code = 0x11
	RespChannelInfo      Code = 0x12
	RespSignStart        Code = 0x13
	RespSignature        Code = 0x14
	RespRadioParams      Code = 0x15

	PushAdvert         Code = 0x80
	PushPathUpdated    Code = 0x81
	PushSendConfirmed  Code = 0x82
	PushMsgWaiting     Code = 0x83
	PushRawData        Code = 0x84
	PushLoginSuccess   Code = 0x85
	PushStatusResponse Code = 0x87
	PushLogRxData      Code = 0x88
	PushTraceData      Code = 0x89
	PushNewAdvert      Code = 0x8A
	PushTelemetry      Code = 0x8B
	PushBinaryResponse Code = 0x8C
)

// IsPush reports whether c is an unsolicited push rather than a command
// response.
func (c Code) IsPush() bool { return c >= 0x80 }

var codeNames = map[Code]string{
	RespOk:               "Ok",
	RespErr:              "Err",
	RespContactsStart:    "ContactsStart",
	RespContact:          "Contact",
	RespEndOfContacts:    "EndOfContacts",
	RespSelfInfo:         "SelfInfo",
	RespSent:             "Sent",
	RespContactMsgRecv:   "ContactMsgRecv",
	RespChannelMsgRecv:   "ChannelMsgRecv",
	RespCurrTime:         "CurrTime",
	RespNoMoreMessages:   "NoMoreMessages",
	RespExportContact:    "ExportContact",
	RespBatteryVoltage:   "BatteryVoltage",
	RespDeviceInfo:       "DeviceInfo",
	RespPrivateKey:       "PrivateKey",
	RespDisabled:         "Disabled",
	RespContactMsgRecvV3: "ContactMsgRecvV3",
	RespChannelMsgRecvV3: "ChannelMsgRecvV3",
	RespChannelInfo:      "ChannelInfo",
	RespSignStart:        "SignStart",
	RespSignature:        "Signature",
	RespRadioParams:      "RadioParams",
	PushAdvert:           "Advert",
	PushPathUpdated:      "PathUpdated",
	PushSendConfirmed:    "SendConfirmed",
	PushMsgWaiting:       "MsgWaiting",
	PushRawData:          "RawData",
	PushLoginSuccess:     "LoginSuccess",
	PushStatusResponse:   "StatusResponse",
	PushLogRxData:        "LogRxData",
	PushTraceData:        "TraceData",
	PushNewAdvert:        "NewAdvert",
	PushTelemetry:        "Telemetry",
	PushBinaryResponse:   "BinaryResponse",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(c))
}
