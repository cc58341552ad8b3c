package packet

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

var (
	// ErrBadMAC means no candidate key verified the payload MAC.
	ErrBadMAC     = errors.New("group message MAC verification failed")
	ErrBadPayload = errors.New("malformed group payload")
)

const groupMACLen = 2

// GroupText is a decrypted group-channel message. Body is the raw
// plaintext text bytes, conventionally "Name: text".
type GroupText struct {
	SenderTS uint32
	TxtType  uint8
	Body     []byte
}

// VerifyGroupMAC checks the truncated HMAC-SHA256 tag that precedes the
// ciphertext. The MAC key is the 16-byte channel secret zero-padded to
// 32 bytes.
func VerifyGroupMAC(payload []byte, psk [16]byte) bool {
	if len(payload) < groupMACLen+aes.BlockSize {
		return false
	}
	var key [32]byte
	copy(key[:], psk[:])
	mac := hmac.New(sha256.New, key[:])
	mac.Write(payload[groupMACLen:])
	return hmac.Equal(payload[:groupMACLen], mac.Sum(nil)[:groupMACLen])
}

// DecryptGroupText verifies and decrypts a group-text payload with a
// single channel secret. The payload starts at the MAC, i.e. after the
// packet path. Returns ErrBadMAC when the tag does not verify.
func DecryptGroupText(payload []byte, psk [16]byte) (*GroupText, error) {
	if !VerifyGroupMAC(payload, psk) {
		return nil, ErrBadMAC
	}
	cipher := payload[groupMACLen:]
	if len(cipher)%aes.BlockSize != 0 {
		return nil, ErrBadPayload
	}
	block, err := aes.NewCipher(psk[:])
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(cipher))
	for i := 0; i < len(cipher); i += aes.BlockSize {
		block.Decrypt(plain[i:i+aes.BlockSize], cipher[i:i+aes.BlockSize])
	}
	if len(plain) < 5 {
		return nil, ErrBadPayload
	}
	return &GroupText{
		SenderTS: binary.LittleEndian.Uint32(plain),
		TxtType:  plain[4],
		Body:     plain[5:],
	}, nil
}

// DecryptGroupTextAny tries each candidate secret in order and decrypts
// with the first one whose MAC verifies. Returns the index of the
// matching key, or ErrBadMAC when none verifies. A failed MAC never
// exposes plaintext from the wrong key.
func DecryptGroupTextAny(payload []byte, keys [][16]byte) (int, *GroupText, error) {
	for i, k := range keys {
		if !VerifyGroupMAC(payload, k) {
			continue
		}
		gt, err := DecryptGroupText(payload, k)
		if err != nil {
			return i, nil, err
		}
		return i, gt, nil
	}
	return -1, nil, ErrBadMAC
}
