package session

import (
	"log/slog"
	"time"

	"github.com/zjs81/meshcore-open/internal/config"
	"github.com/zjs81/meshcore-open/internal/keystore"
	"github.com/zjs81/meshcore-open/internal/radio"
	"github.com/zjs81/meshcore-open/internal/store"
	"github.com/zjs81/meshcore-open/internal/transport"
)

// PathRecorder keeps the per-contact delivery history the auto-rotation
// selection is computed from.
type PathRecorder interface {
	RecordPath(rec store.PathRecord) error
	RecentPaths(contactKey string, limit int) ([]store.PathRecord, error)
	ClearPaths(contactKey string) error
}

// Store is the persistence surface the session drives. *store.Store
// satisfies it; tests may substitute their own.
type Store interface {
	PathRecorder

	UpsertContact(c store.Contact) error
	DeleteContact(publicKey string) error
	SetOverride(publicKey string, pathLen int, path []byte) error
	ClearOverride(publicKey string) error
	Contacts() ([]store.Contact, error)
	ContactByKey(publicKey string) (*store.Contact, error)
	ContactByPrefix(prefix []byte) (*store.Contact, error)
	MaxContactLastMod() (uint32, error)

	SaveChannel(ch store.Channel) error
	DeleteChannel(idx int) error
	Channels() ([]store.Channel, error)

	InsertMessage(m store.Message) (bool, error)
	MergeMessage(id string, repeatCount, pathLen int, path []byte, snr float64) error
	UpdateMessageStatus(id, status string, tripMs int) error
	MessageExists(id string) (bool, error)
	RecentMessages(cutoff float64) ([]store.Message, error)
	ApplyReaction(messageID, emoji string, at float64) (bool, error)

	SaveSnapshot(kind string, payload []byte, at float64) error
	LoadSnapshot(kind string) ([]byte, float64, error)
}

// Archiver receives a copy of notable session traffic for the flight
// recorder. *archive.Writer satisfies it.
type Archiver interface {
	Append(kind string, data any) error
}

// DialFunc builds a fresh transport for one connection attempt.
// Transports are single use; every attempt gets its own.
type DialFunc func() transport.Transport

// Deps are the session's collaborators. Dial and Store are required;
// the rest default to working production implementations or to off.
type Deps struct {
	Dial    DialFunc
	Store   Store
	Keys    *keystore.Keystore // optional, seals channel PSKs at rest
	Archive Archiver           // optional
	Log     *slog.Logger       // optional
	Clock   Clock              // optional
	Sched   Scheduler          // optional
	Events  Events
}

// Config are the session's tunables.
type Config struct {
	AppName   string
	AppVer    uint8
	TimeSync  bool
	Chemistry radio.Chemistry

	ChannelTimeout time.Duration
	ChannelRetries int
	QueueTimeout   time.Duration
	QueueRetries   int
	DedupWindow    time.Duration
}

const (
	defaultAppVer         = 3
	defaultChannelTimeout = 2 * time.Second
	defaultQueueTimeout   = 5 * time.Second
	defaultRetries        = 3
	defaultDedupWindow    = 5 * time.Second
)

func (c *Config) fillDefaults() {
	if c.AppName == "" {
		c.AppName = "mco"
	}
	if c.AppVer == 0 {
		c.AppVer = defaultAppVer
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = defaultChannelTimeout
	}
	if c.ChannelRetries <= 0 {
		c.ChannelRetries = defaultRetries
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = defaultQueueTimeout
	}
	if c.QueueRetries <= 0 {
		c.QueueRetries = defaultRetries
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
}

// ConfigFrom maps the file-level device and sync sections onto session
// tunables. The chemistry string is assumed validated.
func ConfigFrom(dev config.Device, sy config.Sync) Config {
	chem, _ := radio.ParseChemistry(dev.Chemistry)
	return Config{
		AppName:        dev.AppName,
		TimeSync:       dev.TimeSync,
		Chemistry:      chem,
		ChannelTimeout: time.Duration(sy.ChannelTimeoutMS) * time.Millisecond,
		ChannelRetries: sy.ChannelRetries,
		QueueTimeout:   time.Duration(sy.QueueTimeoutMS) * time.Millisecond,
		QueueRetries:   sy.QueueRetries,
		DedupWindow:    time.Duration(sy.DedupWindowMS) * time.Millisecond,
	}
}
