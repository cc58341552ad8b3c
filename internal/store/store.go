// Package store persists mesh state: contacts, channels, messages,
// reactions, path history and sync snapshots. All timestamps are unix
// seconds (REAL) except device-reported ones, which stay u32 epoch.
package store

import (
	"database/sql"
	"fmt"
	"strings"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// Contact mirrors a device contact slot plus the local path override.
type Contact struct {
	PublicKey    string // hex, 64 chars
	Type         uint8
	Flags        uint8
	PathLen      int // -1 means flood
	Path         []byte
	Name         string
	LastAdvert   uint32
	Lat, Lon     float64
	LastMod      uint32
	HasOverride  bool
	OverrideLen  int
	OverridePath []byte
}

// Channel is one of the device's group-channel slots. PSK may be sealed
// at rest; the caller owns that.
type Channel struct {
	Idx  int
	Name string
	PSK  []byte
}

// Message is one normalized conversation entry, direct or channel.
type Message struct {
	ID          string
	Kind        string // "contact" or "channel"
	Author      string
	ContactKey  string
	ChannelIdx  int
	Text        string
	TxtType     uint8
	SenderTS    uint32
	ReceivedAt  float64
	Outgoing    bool
	Status      string
	AckHash     string
	TripMs      int
	SNR         float64
	PathLen     int
	Path        []byte
	RepeatCount int
	ReplyTo     string
}

type Reaction struct {
	MessageID string
	Emoji     string
	ReactedAt float64
}

// PathRecord is one observed outcome of a routed send.
type PathRecord struct {
	ContactKey string
	PathLen    int
	Path       []byte
	Success    bool
	TripMs     int
	RecordedAt float64
}

// UpsertContact inserts or refreshes a contact from device state. The
// local override columns are never touched here.
func (s *Store) UpsertContact(c Contact) error {
	_, err := s.db.Exec(`
		INSERT INTO contacts (public_key, type, flags, path_len, path, name, last_advert, lat, lon, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
		  type=excluded.type, flags=excluded.flags,
		  path_len=excluded.path_len, path=excluded.path,
		  name=excluded.name, last_advert=excluded.last_advert,
		  lat=excluded.lat, lon=excluded.lon,
		  last_modified=excluded.last_modified`,
		c.PublicKey, c.Type, c.Flags, c.PathLen, c.Path, c.Name, c.LastAdvert, c.Lat, c.Lon, c.LastMod,
	)
	return err
}

func (s *Store) DeleteContact(publicKey string) error {
	_, err := s.db.Exec(`DELETE FROM contacts WHERE public_key = ?`, publicKey)
	return err
}

// SetOverride pins a path choice for a contact. A negative length forces
// flood.
func (s *Store) SetOverride(publicKey string, pathLen int, path []byte) error {
	res, err := s.db.Exec(
		`UPDATE contacts SET override_path_len = ?, override_path = ? WHERE public_key = ?`,
		pathLen, path, publicKey,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %s not found", publicKey)
	}
	return nil
}

func (s *Store) ClearOverride(publicKey string) error {
	_, err := s.db.Exec(
		`UPDATE contacts SET override_path_len = NULL, override_path = NULL WHERE public_key = ?`,
		publicKey,
	)
	return err
}

func (s *Store) Contacts() ([]Contact, error) {
	rows, err := s.db.Query(`
		SELECT public_key, type, flags, path_len, path, name, last_advert, lat, lon, last_modified,
		       override_path_len, override_path
		FROM contacts ORDER BY name, public_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContactByKey returns nil when the contact is unknown.
func (s *Store) ContactByKey(publicKey string) (*Contact, error) {
	row := s.db.QueryRow(`
		SELECT public_key, type, flags, path_len, path, name, last_advert, lat, lon, last_modified,
		       override_path_len, override_path
		FROM contacts WHERE public_key = ?`, publicKey)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ContactByPrefix resolves the 6-byte sender prefix carried by message
// frames. Returns nil when no contact matches.
func (s *Store) ContactByPrefix(prefix []byte) (*Contact, error) {
	hexPrefix := strings.ToLower(fmt.Sprintf("%x", prefix))
	row := s.db.QueryRow(`
		SELECT public_key, type, flags, path_len, path, name, last_advert, lat, lon, last_modified,
		       override_path_len, override_path
		FROM contacts WHERE public_key LIKE ? ORDER BY last_advert DESC LIMIT 1`,
		hexPrefix+"%")
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MaxContactLastMod is the incremental-sync watermark.
func (s *Store) MaxContactLastMod() (uint32, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(last_modified) FROM contacts`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return uint32(v.Int64), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(r rowScanner) (Contact, error) {
	var c Contact
	var ovLen sql.NullInt64
	err := r.Scan(&c.PublicKey, &c.Type, &c.Flags, &c.PathLen, &c.Path, &c.Name,
		&c.LastAdvert, &c.Lat, &c.Lon, &c.LastMod, &ovLen, &c.OverridePath)
	if err != nil {
		return Contact{}, err
	}
	if ovLen.Valid {
		c.HasOverride = true
		c.OverrideLen = int(ovLen.Int64)
	}
	return c, nil
}

func (s *Store) SaveChannel(ch Channel) error {
	_, err := s.db.Exec(`
		INSERT INTO channels (idx, name, psk) VALUES (?, ?, ?)
		ON CONFLICT(idx) DO UPDATE SET name=excluded.name, psk=excluded.psk`,
		ch.Idx, ch.Name, ch.PSK,
	)
	return err
}

func (s *Store) DeleteChannel(idx int) error {
	_, err := s.db.Exec(`DELETE FROM channels WHERE idx = ?`, idx)
	return err
}

func (s *Store) Channels() ([]Channel, error) {
	rows, err := s.db.Query(`SELECT idx, name, psk FROM channels ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.Idx, &ch.Name, &ch.PSK); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// InsertMessage inserts a message. Uses INSERT OR IGNORE for idempotency.
// Returns true if a row was inserted, false if ignored (duplicate id).
func (s *Store) InsertMessage(m Message) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages
		  (id, kind, author, contact_key, channel_idx, text, txt_type, sender_ts, received_at,
		   outgoing, status, ack_hash, trip_ms, snr, path_len, path, repeat_count, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Kind, m.Author, m.ContactKey, m.ChannelIdx, m.Text, m.TxtType, m.SenderTS,
		m.ReceivedAt, m.Outgoing, m.Status, m.AckHash, m.TripMs, m.SNR, m.PathLen, m.Path,
		m.RepeatCount, m.ReplyTo,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MergeMessage records another heard copy: bumped repeat count and the
// best path and signal evidence so far.
func (s *Store) MergeMessage(id string, repeatCount, pathLen int, path []byte, snr float64) error {
	_, err := s.db.Exec(
		`UPDATE messages SET repeat_count = ?, path_len = ?, path = ?, snr = ? WHERE id = ?`,
		repeatCount, pathLen, path, snr, id,
	)
	return err
}

func (s *Store) UpdateMessageStatus(id, status string, tripMs int) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = ?, trip_ms = ? WHERE id = ?`,
		status, tripMs, id,
	)
	return err
}

func (s *Store) MessageExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentMessages returns messages received at or after cutoff, oldest
// first. Used to warm the dedup window after a restart.
func (s *Store) RecentMessages(cutoff float64) ([]Message, error) {
	rows, err := s.db.Query(selectMessages+` WHERE received_at >= ? ORDER BY received_at`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ContactMessages returns the newest messages exchanged with one
// contact, oldest first.
func (s *Store) ContactMessages(publicKey string, limit int) ([]Message, error) {
	rows, err := s.db.Query(selectMessages+`
		WHERE kind = 'contact' AND contact_key = ?
		ORDER BY received_at DESC LIMIT ?`, publicKey, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	reverse(msgs)
	return msgs, err
}

// ChannelMessages returns the newest messages on one channel, oldest
// first.
func (s *Store) ChannelMessages(idx, limit int) ([]Message, error) {
	rows, err := s.db.Query(selectMessages+`
		WHERE kind = 'channel' AND channel_idx = ?
		ORDER BY received_at DESC LIMIT ?`, idx, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	reverse(msgs)
	return msgs, err
}

const selectMessages = `
	SELECT id, kind, author, contact_key, channel_idx, text, txt_type, sender_ts, received_at,
	       outgoing, status, ack_hash, trip_ms, snr, path_len, path, repeat_count, reply_to
	FROM messages`

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.Kind, &m.Author, &m.ContactKey, &m.ChannelIdx, &m.Text,
			&m.TxtType, &m.SenderTS, &m.ReceivedAt, &m.Outgoing, &m.Status, &m.AckHash,
			&m.TripMs, &m.SNR, &m.PathLen, &m.Path, &m.RepeatCount, &m.ReplyTo)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// ApplyReaction records one (message, emoji) reaction. Returns true if
// it was new; a redelivered reaction is ignored.
func (s *Store) ApplyReaction(messageID, emoji string, at float64) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO reactions (message_id, emoji, reacted_at) VALUES (?, ?, ?)`,
		messageID, emoji, at,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Reactions(messageID string) ([]Reaction, error) {
	rows, err := s.db.Query(
		`SELECT message_id, emoji, reacted_at FROM reactions WHERE message_id = ? ORDER BY reacted_at`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.Emoji, &r.ReactedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordPath logs the outcome of a routed send for path auto-rotation.
func (s *Store) RecordPath(rec PathRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO path_history (contact_key, path_len, path, success, trip_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ContactKey, rec.PathLen, rec.Path, rec.Success, rec.TripMs, rec.RecordedAt,
	)
	return err
}

// RecentPaths returns the newest outcomes for a contact, newest first.
func (s *Store) RecentPaths(contactKey string, limit int) ([]PathRecord, error) {
	rows, err := s.db.Query(`
		SELECT contact_key, path_len, path, success, trip_ms, recorded_at
		FROM path_history WHERE contact_key = ?
		ORDER BY recorded_at DESC LIMIT ?`, contactKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PathRecord
	for rows.Next() {
		var rec PathRecord
		if err := rows.Scan(&rec.ContactKey, &rec.PathLen, &rec.Path, &rec.Success,
			&rec.TripMs, &rec.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearPaths drops the recorded history for a contact (path reset).
func (s *Store) ClearPaths(contactKey string) error {
	_, err := s.db.Exec(`DELETE FROM path_history WHERE contact_key = ?`, contactKey)
	return err
}

// SaveSnapshot stores an opaque sync snapshot under kind.
func (s *Store) SaveSnapshot(kind string, payload []byte, at float64) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_snapshots (kind, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		kind, payload, at,
	)
	return err
}

// LoadSnapshot returns the stored payload, or nil when none exists.
func (s *Store) LoadSnapshot(kind string) ([]byte, float64, error) {
	var payload []byte
	var at float64
	err := s.db.QueryRow(
		`SELECT payload, updated_at FROM sync_snapshots WHERE kind = ?`, kind,
	).Scan(&payload, &at)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return payload, at, nil
}
