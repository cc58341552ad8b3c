package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjs81/meshcore-open/internal/protocol"
)

func TestConnectRetriesThenFails(t *testing.T) {
	h := newHarness(t, nil)
	sentinel := errors.New("no radio on this port")
	h.setDialErr(sentinel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.s.Connect(context.Background())
	}()

	// Two retry delays separate the three attempts.
	h.fireWhenArmed(1 * time.Second)
	h.fireWhenArmed(2 * time.Second)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel)
	case <-time.After(3 * time.Second):
		t.Fatal("connect never returned")
	}

	assert.Equal(t, 3, h.transportCount())
	assert.Equal(t, StateDisconnected, h.s.State())
	assert.Equal(t, 0, h.sched.liveCount(), "failed first connect must not arm a reconnect")
}

func TestAppStartReissuedOnce(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	h.sim.override(protocol.CmdAppStart, func(frame []byte) [][]byte {
		if calls.Add(1) == 1 {
			return nil // swallow the first identity request
		}
		return h.sim.respond(frame)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.s.Connect(context.Background())
	}()

	h.waitFor("first app start", func() bool {
		return len(h.sentWith(protocol.CmdAppStart)) == 1
	})
	h.fireWhenArmed(appStartTimeout)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connect never returned")
	}
	assert.Len(t, h.sentWith(protocol.CmdAppStart), 2)
	assert.Equal(t, StateConnected, h.s.State())
}

func TestSilentDeviceExhaustsDialLadder(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.override(protocol.CmdAppStart, func([]byte) [][]byte { return nil })

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.s.Connect(context.Background())
	}()

	// Each dial attempt issues AppStart twice before giving up.
	h.fireWhenArmed(appStartTimeout)
	h.fireWhenArmed(appStartTimeout)
	h.fireWhenArmed(1 * time.Second)
	h.fireWhenArmed(appStartTimeout)
	h.fireWhenArmed(appStartTimeout)
	h.fireWhenArmed(2 * time.Second)
	h.fireWhenArmed(appStartTimeout)
	h.fireWhenArmed(appStartTimeout)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("connect never returned")
	}
	assert.Len(t, h.sentWith(protocol.CmdAppStart), 6)
	assert.Equal(t, 3, h.transportCount())
}

func TestReconnectBackoffSequence(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.setDialErr(errors.New("radio unplugged"))
	h.tr().failLink(errors.New("read: device gone"))

	// Established sessions retry on a doubling ladder capped at 30s.
	for _, want := range []time.Duration{1, 2, 4, 8, 16, 30, 30} {
		h.fireWhenArmed(want * time.Second)
	}

	// Identity survives a link loss so observers keep their context.
	require.NotNil(t, h.s.SelfInfo())

	// Once the radio is back one more fire restores the session.
	h.setDialErr(nil)
	h.fireWhenArmed(30 * time.Second)
	h.waitFor("reconnect", func() bool { return h.s.State() == StateConnected })
	h.waitIdle()

	// A fresh failure starts the ladder over.
	h.setDialErr(errors.New("radio unplugged again"))
	h.tr().failLink(errors.New("read: device gone"))
	h.fireWhenArmed(1 * time.Second)
}

func TestManualDisconnectStopsRetrying(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	before := h.transportCount()

	require.NoError(t, h.s.Disconnect(context.Background()))

	assert.Equal(t, StateDisconnected, h.s.State())
	seq := h.ev.stateSeq()
	require.GreaterOrEqual(t, len(seq), 2)
	assert.Equal(t, StateDisconnecting, seq[len(seq)-2])
	assert.Equal(t, StateDisconnected, seq[len(seq)-1])

	assert.True(t, h.tr().isClosed())
	assert.Equal(t, 0, h.sched.liveCount(), "manual disconnect leaves no timers")
	assert.Nil(t, h.s.SelfInfo())
	assert.Equal(t, before, h.transportCount())

	// Idempotent.
	require.NoError(t, h.s.Disconnect(context.Background()))
}

func TestLinkLossFailsInFlightSends(t *testing.T) {
	h := newHarness(t, nil)
	bob := simContact{name: "bob", lastMod: 50}
	for i := range bob.key {
		bob.key[i] = byte(0x30 + i)
	}
	h.sim.addContact(bob)
	h.connect()

	// Hold the text send open: the device never answers it.
	h.sim.override(protocol.CmdSendTxtMsg, func([]byte) [][]byte { return nil })
	h.setDialErr(errors.New("radio unplugged"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.s.SendText(ctx, bob.keyHex(), "are you there")
		errCh <- err
	}()
	h.waitFor("send in flight", func() bool {
		return len(h.sentWith(protocol.CmdSendTxtMsg)) == 1
	})

	h.tr().failLink(errors.New("read: device gone"))
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(3 * time.Second):
		t.Fatal("send never failed")
	}
}
