package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/store"
)

func TestSendTextTeachesDeviceChangedRoute(t *testing.T) {
	bob := testContact("bob", 0x30, 100)
	bob.pathLen = 2
	bob.path = []byte{0x0A, 0x0B}
	h := newHarness(t, func(_ *Config, sim *deviceSim) {
		sim.addContact(bob)
	})
	h.connect()

	require.NoError(t, h.s.SetPathOverride(context.Background(), bob.keyHex(), 1, []byte{0x99}))
	_, err := h.s.SendText(context.Background(), bob.keyHex(), "routing through the relay")
	require.NoError(t, err)
	h.waitIdle()

	updates := h.sentWith(protocol.CmdAddUpdateContact)
	require.Len(t, updates, 1)
	assert.Equal(t, int8(1), int8(updates[0][35]))
	assert.Equal(t, byte(0x99), updates[0][36])

	// The route update goes out before the text itself.
	var updateAt, sendAt int
	for i, f := range h.tr().sentFrames() {
		switch f[0] {
		case protocol.CmdAddUpdateContact:
			updateAt = i
		case protocol.CmdSendTxtMsg:
			sendAt = i
		}
	}
	assert.Less(t, updateAt, sendAt)
}

func TestSendTextRejectsUnknownContact(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	ghost := testContact("", 0x70, 0)
	_, err := h.s.SendText(context.Background(), ghost.keyHex(), "hello?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown contact")
	assert.Empty(t, h.sentWith(protocol.CmdSendTxtMsg))
}

func TestSendChannelTextAcceptsPlainOk(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.override(protocol.CmdSendChannelTxtMsg, func([]byte) [][]byte {
		return [][]byte{{byte(protocol.RespOk)}}
	})
	h.connect()

	id, err := h.s.SendChannelText(context.Background(), 0, "radio check")
	require.NoError(t, err)
	h.waitIdle()
	assert.Equal(t, []string{"sent"}, h.ev.statusSeq(id))

	_, err = h.s.SendChannelText(context.Background(), 300, "bad slot")
	require.Error(t, err)
}

func TestSetChannelProgramsDeviceAndStore(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	psk := bytes.Repeat([]byte{0x5A}, 16)
	require.NoError(t, h.s.SetChannel(context.Background(), 1, "rescue", psk))

	sets := h.sentWith(protocol.CmdSetChannel)
	require.Len(t, sets, 1)
	assert.Equal(t, byte(1), sets[0][1])
	assert.Equal(t, psk, sets[0][34:50])

	chans, err := h.st.Channels()
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, 1, chans[0].Idx)
	assert.Equal(t, "rescue", chans[0].Name)
	assert.Equal(t, psk, chans[0].PSK)

	err = h.s.SetChannel(context.Background(), 2, "short", psk[:15])
	require.Error(t, err)
	assert.Len(t, h.sentWith(protocol.CmdSetChannel), 1)
}

func TestSetAdvertNameUpdatesIdentity(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	require.NoError(t, h.s.SetAdvertName(context.Background(), "basecamp"))
	require.NotEmpty(t, h.sentWith(protocol.CmdSetAdvertName))
	si := h.s.SelfInfo()
	require.NotNil(t, si)
	assert.Equal(t, "basecamp", si.Name)
}

func TestResetPathForcesFloodMode(t *testing.T) {
	bob := testContact("bob", 0x30, 100)
	bob.pathLen = 2
	bob.path = []byte{0x0A, 0x0B}
	h := newHarness(t, func(_ *Config, sim *deviceSim) {
		sim.addContact(bob)
	})
	h.connect()

	require.NoError(t, h.st.RecordPath(store.PathRecord{
		ContactKey: bob.keyHex(),
		PathLen:    2,
		Path:       []byte{0x0A, 0x0B},
		Success:    true,
		TripMs:     120,
		RecordedAt: float64(h.clock.Now().Unix()),
	}))

	require.NoError(t, h.s.ResetPath(context.Background(), bob.keyHex()))

	resets := h.sentWith(protocol.CmdResetPath)
	require.Len(t, resets, 1)
	assert.Equal(t, bob.key[:], resets[0][1:33])

	ct, err := h.st.ContactByKey(bob.keyHex())
	require.NoError(t, err)
	require.NotNil(t, ct)
	assert.Equal(t, -1, ct.PathLen)
	assert.Empty(t, ct.Path)

	recs, err := h.st.RecentPaths(bob.keyHex(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRemoveContactDeletesEverywhere(t *testing.T) {
	bob := testContact("bob", 0x30, 100)
	h := newHarness(t, func(_ *Config, sim *deviceSim) {
		sim.addContact(bob)
	})
	h.connect()

	require.NoError(t, h.s.RemoveContact(context.Background(), bob.keyHex()))
	require.NotEmpty(t, h.sentWith(protocol.CmdRemoveContact))
	ct, err := h.st.ContactByKey(bob.keyHex())
	require.NoError(t, err)
	assert.Nil(t, ct)
}

func TestExportContactReturnsBlob(t *testing.T) {
	bob := testContact("bob", 0x30, 100)
	blob := []byte("meshcore://contact/abcdef")
	h := newHarness(t, func(_ *Config, sim *deviceSim) {
		sim.addContact(bob)
	})
	h.sim.override(protocol.CmdExportContact, func([]byte) [][]byte {
		return [][]byte{append([]byte{byte(protocol.RespExportContact)}, blob...)}
	})
	h.connect()

	got, err := h.s.ExportContact(context.Background(), bob.keyHex())
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestRebootSilenceCountsAsSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.override(protocol.CmdReboot, func([]byte) [][]byte { return nil })
	h.connect()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.s.Reboot(context.Background())
	}()
	h.fireWhenArmed(2 * time.Second)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reboot never returned")
	}
	require.NotEmpty(t, h.sentWith(protocol.CmdReboot))
}

func TestLoginMatchesAcceptanceByPrefix(t *testing.T) {
	bob := testContact("bob", 0x30, 100)
	h := newHarness(t, func(_ *Config, sim *deviceSim) {
		sim.addContact(bob)
	})
	h.connect()

	require.NoError(t, h.s.Login(context.Background(), bob.keyHex(), "sunrise"))
	logins := h.sentWith(protocol.CmdSendLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, []byte("sunrise"), logins[0][33:])

	frame := append([]byte{byte(protocol.PushLoginSuccess)}, bob.key[:6]...)
	h.tr().feed(append(frame, "ok"...))
	h.waitFor("login event", func() bool {
		h.ev.mu.Lock()
		defer h.ev.mu.Unlock()
		return len(h.ev.logins) == 1
	})
	h.ev.mu.Lock()
	got := h.ev.logins[0]
	h.ev.mu.Unlock()
	assert.Equal(t, bob.keyHex(), got)
}

func TestTraceRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.override(protocol.CmdSendTracePath, func([]byte) [][]byte {
		return [][]byte{sentFrame(true, 0, 0)}
	})
	h.connect()

	type result struct {
		td  *protocol.TraceData
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		td, err := h.s.Trace(context.Background(), []byte{0x05}, 0)
		resCh <- result{td, err}
	}()
	h.waitFor("trace probe sent", func() bool {
		return len(h.sentWith(protocol.CmdSendTracePath)) == 1
	})
	h.waitIdle() // reply waiter armed once the sent ack is processed
	probe := h.sentWith(protocol.CmdSendTracePath)[0]
	tag := binary.LittleEndian.Uint32(probe[1:5])

	reply := make([]byte, 13)
	reply[0] = byte(protocol.PushTraceData)
	reply[1] = 1 // hop count
	binary.LittleEndian.PutUint32(reply[2:6], tag)
	reply[11] = 0x05
	reply[12] = byte(int8(2.0 * 4))
	h.tr().feed(reply)

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		require.NotNil(t, r.td)
		assert.Equal(t, tag, r.td.Tag)
		require.Len(t, r.td.Hops, 1)
		assert.Equal(t, uint8(0x05), r.td.Hops[0].Addr)
		assert.InDelta(t, 2.0, r.td.Hops[0].SNR, 0.01)
	case <-time.After(3 * time.Second):
		t.Fatal("trace never returned")
	}
}

func TestTraceTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.override(protocol.CmdSendTracePath, func([]byte) [][]byte {
		return [][]byte{sentFrame(true, 0, 0)}
	})
	h.connect()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.s.Trace(context.Background(), nil, 0)
		errCh <- err
	}()
	h.fireWhenArmed(replyWaitFloor)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("trace never timed out")
	}
}

func TestBinaryReqDeliversResponseBlob(t *testing.T) {
	bob := testContact("bob", 0x30, 100)
	h := newHarness(t, func(_ *Config, sim *deviceSim) {
		sim.addContact(bob)
	})
	h.connect()

	type result struct {
		blob []byte
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		blob, err := h.s.BinaryReq(context.Background(), bob.keyHex(), 3, []byte{0x01})
		resCh <- result{blob, err}
	}()
	h.waitFor("binary req sent", func() bool {
		return len(h.sentWith(protocol.CmdSendBinaryReq)) == 1
	})
	h.waitIdle() // reply waiter armed once the device ack is processed
	req := h.sentWith(protocol.CmdSendBinaryReq)[0]
	assert.Equal(t, byte(3), req[33])

	// A second request to the same node while one is pending is refused.
	_, err := h.s.BinaryReq(context.Background(), bob.keyHex(), 3, nil)
	assert.ErrorIs(t, err, ErrBusy)

	frame := append([]byte{byte(protocol.PushBinaryResponse)}, bob.key[:6]...)
	h.tr().feed(append(frame, 0xCA, 0xFE))
	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		assert.Equal(t, []byte{0xCA, 0xFE}, r.blob)
	case <-time.After(3 * time.Second):
		t.Fatal("binary req never returned")
	}
}

func TestSignStreamsInChunks(t *testing.T) {
	sig := bytes.Repeat([]byte{0x51}, 64)
	h := newHarness(t, nil)
	h.sim.override(protocol.CmdSignStart, func([]byte) [][]byte {
		return [][]byte{{byte(protocol.RespSignStart)}}
	})
	h.sim.override(protocol.CmdSignFinish, func([]byte) [][]byte {
		return [][]byte{append([]byte{byte(protocol.RespSignature)}, sig...)}
	})
	h.connect()

	data := bytes.Repeat([]byte{0xAB}, 300)
	got, err := h.s.Sign(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	chunks := h.sentWith(protocol.CmdSignData)
	require.Len(t, chunks, 3)
	var streamed []byte
	for _, c := range chunks {
		streamed = append(streamed, c[1:]...)
	}
	assert.Equal(t, data, streamed)
}

func TestSignDisabledSurfacesError(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.override(protocol.CmdSignStart, func([]byte) [][]byte {
		return [][]byte{{byte(protocol.RespDisabled)}}
	})
	h.connect()

	_, err := h.s.Sign(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
	assert.Empty(t, h.sentWith(protocol.CmdSignData))
}

func TestDeviceTimeRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	got, err := h.s.DeviceTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), got.Unix())

	require.NoError(t, h.s.SetDeviceTime(context.Background(), time.Unix(1_700_000_500, 0)))
	sets := h.sentWith(protocol.CmdSetDeviceTime)
	require.Len(t, sets, 1)
	assert.Equal(t, uint32(1_700_000_500), binary.LittleEndian.Uint32(sets[0][1:5]))
}

func TestOperationsRequireConnection(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.s.SendText(context.Background(), "00", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	err = h.s.Advert(context.Background(), true)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.s.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	err = h.s.RefreshContacts(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}
