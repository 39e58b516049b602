// ============================================================================
// Stork State Persistence - durable snapshot file
// ============================================================================
//
// Package: internal/snapshot
// File: manager.go
// Purpose: Atomic write and verified load of the scheduler snapshot
//
// File format (JSON):
//
//   {
//     "schema_ver": 1,
//     "checksum":   "<xxhash64 of body, hex>",
//     "body":       { config, next_job_id, jobs, users, saved_at }
//   }
//
// Write path:
//   1. encode outside any scheduler lock
//   2. os.CreateTemp in the target directory
//   3. write, fsync, close
//   4. rename over the target (atomic on POSIX), fsync the directory
//   A failure at any step removes the temp file and leaves the previous
//   snapshot untouched.
//
// Load path:
//   - missing file           → empty default snapshot, no error
//   - bad JSON / checksum    → ErrCorruptedSnapshot
//   - unknown schema version → ErrIncompatibleVersion
//
// ============================================================================

package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// SchemaVersion current snapshot layout
const SchemaVersion = 1

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// envelope on-disk wrapper around the encoded body
type envelope struct {
	SchemaVer int             `json:"schema_ver"`
	Checksum  string          `json:"checksum"`
	Body      json.RawMessage `json:"body"`
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex // one writer at a time
}

// NewManager creates a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path snapshot file location
func (m *Manager) Path() string {
	return m.path
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func checksum(body []byte) string {
	return strconv.FormatUint(xxhash.Sum64(body), 16)
}

// Encode serializes data into the file format.
func Encode(data types.SnapshotData) ([]byte, error) {
	data.SchemaVer = SchemaVersion
	if data.SavedAt == 0 {
		data.SavedAt = time.Now().Unix()
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	out, err := json.Marshal(envelope{
		SchemaVer: SchemaVersion,
		Checksum:  checksum(body),
		Body:      body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot envelope: %w", err)
	}
	return out, nil
}

// Decode parses and verifies the file format.
func Decode(raw []byte) (types.SnapshotData, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != SchemaVersion {
		return types.SnapshotData{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	// The checksum covers the compact body, so a re-indented file still loads.
	var body bytes.Buffer
	if len(env.Body) == 0 || json.Compact(&body, env.Body) != nil || checksum(body.Bytes()) != env.Checksum {
		return types.SnapshotData{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptedSnapshot)
	}

	data := types.EmptySnapshot()
	if err := json.Unmarshal(body.Bytes(), &data); err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	if data.Users == nil {
		data.Users = make(map[string]*types.User)
	}
	if data.NextJobID < 1 {
		data.NextJobID = 1
	}
	return data, nil
}

// Write encodes data and replaces the snapshot file atomically.
func (m *Manager) Write(data types.SnapshotData) error {
	raw, err := Encode(data)
	if err != nil {
		return err
	}
	return m.WriteDurable(raw)
}

// WriteDurable replaces the snapshot file with raw.
//
// Returns:
//   - error: any I/O failure; the previous file is left intact
func (m *Manager) WriteDurable(raw []byte) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err = os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	// Persist the rename itself. Not every platform can fsync a directory.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Load reads the snapshot file.
//
// Returns:
//   - types.SnapshotData: an empty default snapshot when the file is missing
//   - error: ErrCorruptedSnapshot, ErrIncompatibleVersion or a read error
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.EmptySnapshot(), nil
	}
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(raw)
}
