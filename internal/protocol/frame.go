package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrShortFrame reports an inbound frame shorter than its layout.
	ErrShortFrame = errors.New("frame too short")
	// ErrBadTextType reports a text-type byte that is neither plain nor
	// CLI under either encoding.
	ErrBadTextType = errors.New("unrecognized text type")
)

// Frame is any decoded inbound frame. Dispatchers type-switch over the
// concrete variants rather than re-reading raw bytes.
type Frame interface {
	Code() Code
}

// Unknown wraps a frame whose code has no decoder. It is surfaced, not
// treated as an error, so newer firmware does not break the session.
type Unknown struct {
	RawCode Code
	Payload []byte
}

func (u *Unknown) Code() Code { return u.RawCode }

// Decode parses one inbound frame into its typed variant. Parse failures
// return a nil Frame and an error the dispatcher can log and drop.
func Decode(p []byte) (Frame, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("decode: %w", ErrShortFrame)
	}
	switch Code(p[0]) {
	case RespOk:
		return &Ok{}, nil
	case RespErr:
		return parseDeviceErr(p), nil
	case RespContactsStart:
		return parseContactsStart(p)
	case RespContact:
		return parseContact(p)
	case RespEndOfContacts:
		return &EndOfContacts{}, nil
	case RespSelfInfo:
		return parseSelfInfo(p)
	case RespSent:
		return parseSent(p)
	case RespContactMsgRecv:
		return parseContactMsg(p, false)
	case RespContactMsgRecvV3:
		return parseContactMsg(p, true)
	case RespChannelMsgRecv:
		return parseChannelMsg(p, false)
	case RespChannelMsgRecvV3:
		return parseChannelMsg(p, true)
	case RespCurrTime:
		return parseCurrTime(p)
	case RespNoMoreMessages:
		return &NoMoreMessages{}, nil
	case RespExportContact:
		return &ExportedContact{Blob: p[1:]}, nil
	case RespBatteryVoltage:
		return parseBattery(p)
	case RespDeviceInfo:
		return parseDeviceInfo(p)
	case RespPrivateKey:
		return &PrivateKey{Key: p[1:]}, nil
	case RespDisabled:
		return &Disabled{}, nil
	case RespChannelInfo:
		return parseChannelInfo(p)
	case RespSignStart:
		return &SignStartAck{}, nil
	case RespSignature:
		return &Signature{Sig: p[1:]}, nil
	case RespRadioParams:
		return parseRadioParams(p)
	case PushAdvert:
		return parseAdvert(p)
	case PushPathUpdated:
		return parsePathUpdated(p)
	case PushSendConfirmed:
		return parseSendConfirmed(p)
	case PushMsgWaiting:
		return &MsgWaiting{}, nil
	case PushRawData:
		return parseRawData(p)
	case PushLoginSuccess:
		return parseLoginSuccess(p)
	case PushStatusResponse:
		return parseStatusResponse(p)
	case PushLogRxData:
		return parseLogRxData(p)
	case PushTraceData:
		return parseTraceData(p)
	case PushNewAdvert:
		return parseNewAdvert(p)
	case PushTelemetry:
		return parseTelemetry(p)
	case PushBinaryResponse:
		return parseBinaryResponse(p)
	default:
		return &Unknown{RawCode: Code(p[0]), Payload: p[1:]}, nil
	}
}

func short(what string) error {
	return fmt.Errorf("%s: %w", what, ErrShortFrame)
}
