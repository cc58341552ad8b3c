// Package archive journals session traffic to JSONL segments. Segments
// seal at size/age thresholds into zstd-compressed, content-addressed
// files, and optionally upload to S3-compatible storage.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/zjs81/meshcore-open/internal/config"
)

// partialName is the open segment in the archive dir. A leftover one
// from a crashed run is sealed on startup.
const partialName = "current.jsonl"

// Entry is one journal line.
type Entry struct {
	TS   float64 `json:"ts"`
	Kind string  `json:"kind"`
	Data any     `json:"data,omitempty"`
}

// Writer appends entries to the open segment and seals it when it grows
// past the size threshold or older than the age threshold. Age is
// checked on append.
type Writer struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	level    zstd.EncoderLevel
	log      *slog.Logger

	mu     sync.Mutex
	f      *os.File
	size   int64
	opened time.Time

	uploads chan string
	wg      sync.WaitGroup
}

// NewWriter opens the archive at cfg.Dir. uploader may be nil; when set,
// sealed segments are handed to it on a background goroutine so uploads
// never block the caller.
func NewWriter(cfg config.Archive, uploader *S3Uploader, log *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	w := &Writer{
		dir:      cfg.Dir,
		maxBytes: cfg.SegmentMaxBytes,
		maxAge:   time.Duration(cfg.SegmentMaxAgeS) * time.Second,
		level:    zstd.EncoderLevelFromZstd(cfg.ZstdLevel),
		log:      log,
	}
	if w.maxBytes <= 0 {
		w.maxBytes = 1 << 20
	}
	if w.maxAge <= 0 {
		w.maxAge = 5 * time.Minute
	}
	// Seal whatever a previous run left behind.
	if _, err := os.Stat(w.partialPath()); err == nil {
		if _, err := w.sealFile(); err != nil {
			return nil, fmt.Errorf("seal leftover segment: %w", err)
		}
	}
	if uploader != nil {
		w.uploads = make(chan string, 16)
		w.wg.Add(1)
		go w.uploadLoop(uploader)
	}
	return w, nil
}

// Append journals one entry. Marshal or disk errors are returned but the
// writer stays usable.
func (w *Writer) Append(kind string, data any) error {
	line, err := json.Marshal(Entry{
		TS:   float64(time.Now().UnixNano()) / 1e9,
		Kind: kind,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		if err := w.openSegment(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	if w.size >= w.maxBytes || time.Since(w.opened) >= w.maxAge {
		path, err := w.sealLocked()
		if err != nil {
			return err
		}
		w.enqueueUpload(path)
	}
	return nil
}

// Seal closes the open segment early, returning the sealed path or ""
// when the segment was empty.
func (w *Writer) Seal() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path, err := w.sealLocked()
	if err == nil {
		w.enqueueUpload(path)
	}
	return path, err
}

// Close seals the open segment and waits for in-flight uploads.
func (w *Writer) Close() error {
	w.mu.Lock()
	path, err := w.sealLocked()
	w.enqueueUpload(path)
	if w.uploads != nil {
		close(w.uploads)
		w.uploads = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
	return err
}

func (w *Writer) partialPath() string { return filepath.Join(w.dir, partialName) }

func (w *Writer) openSegment() error {
	f, err := os.OpenFile(w.partialPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	w.f = f
	w.size = 0
	w.opened = time.Now()
	// First line names the segment so sealed files can be correlated.
	head, _ := json.Marshal(Entry{
		TS:   float64(time.Now().UnixNano()) / 1e9,
		Kind: "segment_start",
		Data: map[string]string{"id": uuid.NewString()},
	})
	n, err := f.Write(append(head, '\n'))
	w.size += int64(n)
	return err
}

func (w *Writer) sealLocked() (string, error) {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	return w.sealFile()
}

// sealFile compresses the partial segment into the content-addressed
// store: <dir>/<sha256[:2]>/<sha256>.jsonl.zst, named by the hash of the
// uncompressed content.
func (w *Writer) sealFile() (string, error) {
	content, err := os.ReadFile(w.partialPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(content) == 0 {
		os.Remove(w.partialPath())
		return "", nil
	}
	h := sha256.Sum256(content)
	shaHex := hex.EncodeToString(h[:])
	subDir := filepath.Join(w.dir, shaHex[:2])
	if err := os.MkdirAll(subDir, 0755); err != nil {
		return "", err
	}
	finalPath := filepath.Join(subDir, shaHex+".jsonl.zst")

	tmp, err := os.CreateTemp(subDir, ".seal-*")
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(w.level))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if _, err := enc.Write(content); err != nil {
		enc.Close()
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	os.Remove(w.partialPath())
	return finalPath, nil
}

func (w *Writer) enqueueUpload(path string) {
	if w.uploads == nil || path == "" {
		return
	}
	select {
	case w.uploads <- path:
	default:
		w.log.Warn("upload queue full, segment stays local", "path", path)
	}
}

func (w *Writer) uploadLoop(up *S3Uploader) {
	defer w.wg.Done()
	for path := range w.uploads {
		if err := up.UploadSegment(path); err != nil {
			w.log.Warn("segment upload failed", "path", path, "error", err)
		}
	}
}
