package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "mco.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestContactRoundTrip(t *testing.T) {
	st := openTest(t)

	c := Contact{
		PublicKey:  "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899",
		Type:       1,
		Flags:      0x02,
		PathLen:    2,
		Path:       []byte{0x10, 0x20},
		Name:       "Alice",
		LastAdvert: 1723480000,
		Lat:        51.4775,
		Lon:        -0.087123,
		LastMod:    1723480100,
	}
	require.NoError(t, st.UpsertContact(c))

	got, err := st.ContactByKey(c.PublicKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, 2, got.PathLen)
	assert.Equal(t, []byte{0x10, 0x20}, got.Path)
	assert.InDelta(t, 51.4775, got.Lat, 1e-9)
	assert.False(t, got.HasOverride)
}

func TestUpsertContactPreservesOverride(t *testing.T) {
	st := openTest(t)
	key := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

	require.NoError(t, st.UpsertContact(Contact{PublicKey: key, Name: "Bob", PathLen: -1}))
	require.NoError(t, st.SetOverride(key, 1, []byte{0x7F}))

	// Refresh from the device must not clobber the user's pin.
	require.NoError(t, st.UpsertContact(Contact{PublicKey: key, Name: "Bob", PathLen: 3, Path: []byte{1, 2, 3}}))

	got, err := st.ContactByKey(key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.PathLen)
	assert.True(t, got.HasOverride)
	assert.Equal(t, 1, got.OverrideLen)
	assert.Equal(t, []byte{0x7F}, got.OverridePath)

	require.NoError(t, st.ClearOverride(key))
	got, err = st.ContactByKey(key)
	require.NoError(t, err)
	assert.False(t, got.HasOverride)
}

func TestSetOverrideUnknownContact(t *testing.T) {
	st := openTest(t)
	assert.Error(t, st.SetOverride("ffff", -1, nil))
}

func TestContactByPrefix(t *testing.T) {
	st := openTest(t)
	key := "deadbeef0102aabbccddeeff00112233445566778899aabbccddeeff00112233"
	require.NoError(t, st.UpsertContact(Contact{PublicKey: key, Name: "Carol"}))

	got, err := st.ContactByPrefix([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Carol", got.Name)

	none, err := st.ContactByPrefix([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMaxContactLastMod(t *testing.T) {
	st := openTest(t)

	wm, err := st.MaxContactLastMod()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), wm)

	require.NoError(t, st.UpsertContact(Contact{PublicKey: "aa", LastMod: 100}))
	require.NoError(t, st.UpsertContact(Contact{PublicKey: "bb", LastMod: 200}))

	wm, err = st.MaxContactLastMod()
	require.NoError(t, err)
	assert.Equal(t, uint32(200), wm)
}

func TestChannelRoundTrip(t *testing.T) {
	st := openTest(t)
	psk := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	require.NoError(t, st.SaveChannel(Channel{Idx: 0, Name: "Public", PSK: psk}))
	require.NoError(t, st.SaveChannel(Channel{Idx: 3, Name: "Ops", PSK: psk}))

	chans, err := st.Channels()
	require.NoError(t, err)
	require.Len(t, chans, 2)
	assert.Equal(t, "Public", chans[0].Name)
	assert.Equal(t, 3, chans[1].Idx)

	require.NoError(t, st.DeleteChannel(0))
	chans, err = st.Channels()
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, "Ops", chans[0].Name)
}

func TestInsertMessageIdempotent(t *testing.T) {
	st := openTest(t)
	m := Message{
		ID:         "m-1",
		Kind:       "channel",
		Author:     "Alice",
		ChannelIdx: 0,
		Text:       "hello",
		SenderTS:   1723480000,
		ReceivedAt: 1723480001.5,
	}

	inserted, err := st.InsertMessage(m)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.InsertMessage(m)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate id must be ignored")
}

func TestMergeAndStatus(t *testing.T) {
	st := openTest(t)
	_, err := st.InsertMessage(Message{ID: "m-2", Kind: "contact", ContactKey: "aa", Text: "ping", ReceivedAt: 1, Outgoing: true, Status: "sending"})
	require.NoError(t, err)

	require.NoError(t, st.MergeMessage("m-2", 2, 3, []byte{9, 8, 7}, 5.25))
	require.NoError(t, st.UpdateMessageStatus("m-2", "delivered", 420))

	msgs, err := st.ContactMessages("aa", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].RepeatCount)
	assert.Equal(t, 3, msgs[0].PathLen)
	assert.Equal(t, 5.25, msgs[0].SNR)
	assert.Equal(t, "delivered", msgs[0].Status)
	assert.Equal(t, 420, msgs[0].TripMs)
}

func TestMessageWindows(t *testing.T) {
	st := openTest(t)
	for i, ts := range []float64{10, 20, 30} {
		_, err := st.InsertMessage(Message{
			ID: string(rune('a' + i)), Kind: "channel", ChannelIdx: 1,
			Text: "msg", ReceivedAt: ts,
		})
		require.NoError(t, err)
	}

	recent, err := st.RecentMessages(15)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, float64(20), recent[0].ReceivedAt)

	byChan, err := st.ChannelMessages(1, 2)
	require.NoError(t, err)
	require.Len(t, byChan, 2)
	// Oldest first within the clipped window.
	assert.Equal(t, float64(20), byChan[0].ReceivedAt)
	assert.Equal(t, float64(30), byChan[1].ReceivedAt)
}

func TestApplyReactionOnce(t *testing.T) {
	st := openTest(t)
	_, err := st.InsertMessage(Message{ID: "m-3", Kind: "channel", ChannelIdx: 0, Text: "hi", ReceivedAt: 1})
	require.NoError(t, err)

	applied, err := st.ApplyReaction("m-3", "👍", 2)
	require.NoError(t, err)
	assert.True(t, applied)

	// Redelivered frame: same target, same emoji.
	applied, err = st.ApplyReaction("m-3", "👍", 3)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = st.ApplyReaction("m-3", "🎉", 4)
	require.NoError(t, err)
	assert.True(t, applied)

	reactions, err := st.Reactions("m-3")
	require.NoError(t, err)
	assert.Len(t, reactions, 2)
}

func TestPathHistory(t *testing.T) {
	st := openTest(t)
	key := "cc"

	require.NoError(t, st.RecordPath(PathRecord{ContactKey: key, PathLen: 2, Path: []byte{1, 2}, Success: true, TripMs: 300, RecordedAt: 10}))
	require.NoError(t, st.RecordPath(PathRecord{ContactKey: key, PathLen: -1, Success: false, RecordedAt: 20}))

	recs, err := st.RecentPaths(key, 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.False(t, recs[0].Success, "newest first")
	assert.True(t, recs[1].Success)
	assert.Equal(t, 300, recs[1].TripMs)

	require.NoError(t, st.ClearPaths(key))
	recs, err = st.RecentPaths(key, 5)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := openTest(t)

	payload, at, err := st.LoadSnapshot("channels")
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Equal(t, float64(0), at)

	require.NoError(t, st.SaveSnapshot("channels", []byte(`{"n":8}`), 42))
	require.NoError(t, st.SaveSnapshot("channels", []byte(`{"n":16}`), 43))

	payload, at, err = st.LoadSnapshot("channels")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":16}`), payload)
	assert.Equal(t, float64(43), at)
}
