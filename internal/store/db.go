package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the DB at path, creates dir if needed, runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn), nil
}

func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS contacts (
  public_key TEXT PRIMARY KEY,
  type INTEGER NOT NULL DEFAULT 0,
  flags INTEGER NOT NULL DEFAULT 0,
  path_len INTEGER NOT NULL DEFAULT -1,
  path BLOB,
  name TEXT NOT NULL DEFAULT '',
  last_advert INTEGER NOT NULL DEFAULT 0,
  lat REAL NOT NULL DEFAULT 0,
  lon REAL NOT NULL DEFAULT 0,
  last_modified INTEGER NOT NULL DEFAULT 0,
  override_path_len INTEGER,
  override_path BLOB
);

CREATE TABLE IF NOT EXISTS channels (
  idx INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  psk BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  author TEXT NOT NULL DEFAULT '',
  contact_key TEXT NOT NULL DEFAULT '',
  channel_idx INTEGER NOT NULL DEFAULT -1,
  text TEXT NOT NULL,
  txt_type INTEGER NOT NULL DEFAULT 0,
  sender_ts INTEGER NOT NULL DEFAULT 0,
  received_at REAL NOT NULL,
  outgoing INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT '',
  ack_hash TEXT NOT NULL DEFAULT '',
  trip_ms INTEGER NOT NULL DEFAULT 0,
  snr REAL NOT NULL DEFAULT 0,
  path_len INTEGER NOT NULL DEFAULT -1,
  path BLOB,
  repeat_count INTEGER NOT NULL DEFAULT 0,
  reply_to TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages(contact_key, received_at);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_idx, received_at);

CREATE TABLE IF NOT EXISTS reactions (
  message_id TEXT NOT NULL,
  emoji TEXT NOT NULL,
  reacted_at REAL NOT NULL,
  PRIMARY KEY (message_id, emoji)
);

CREATE TABLE IF NOT EXISTS path_history (
  entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
  contact_key TEXT NOT NULL,
  path_len INTEGER NOT NULL,
  path BLOB,
  success INTEGER NOT NULL,
  trip_ms INTEGER NOT NULL DEFAULT 0,
  recorded_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_path_history_contact ON path_history(contact_key, recorded_at);

CREATE TABLE IF NOT EXISTS sync_snapshots (
  kind TEXT PRIMARY KEY,
  payload BLOB NOT NULL,
  updated_at REAL NOT NULL
);
`
