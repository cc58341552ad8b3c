// Package transport carries protocol frames over a byte stream. Each
// implementation owns a read loop that strips the link-level framing and
// delivers bare frame payloads on a channel.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// maxFrameLen caps a single frame payload. Anything larger is treated
// as line garbage and skipped during resync.
const maxFrameLen = 4096

// frameChanDepth buffers inbound frames so a slow consumer does not
// stall the read loop immediately.
const frameChanDepth = 32

// Transport is a framed byte-stream link to the device.
type Transport interface {
	// Connect establishes the link. One attempt; the caller owns retry.
	Connect(ctx context.Context) error
	// Send writes one frame payload.
	Send(frame []byte) error
	// Frames delivers inbound frame payloads. Closed when the read
	// loop exits.
	Frames() <-chan []byte
	// Errors delivers at most one fatal link error.
	Errors() <-chan error
	Close() error
}
