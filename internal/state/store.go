package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned by Lock when the advisory lock could not be
// acquired within the deadline. Callers proceed with in-memory state and
// log CRITICAL.
var ErrLockTimeout = errors.New("state: lock acquisition timed out")

// DefaultLockTimeout bounds how long a hook process waits for the session
// lock. A wedged holder must not stall the agent's turn indefinitely.
const DefaultLockTimeout = 10 * time.Second

const lockRetryInterval = 50 * time.Millisecond

// Store abstracts session-state persistence so the router and engine can be
// tested against an in-memory implementation.
type Store interface {
	// Lock serializes read-modify-write cycles for one session. The
	// returned release function is always safe to call, even on error.
	Lock(ctx context.Context, sessionID string) (release func(), err error)

	// Load returns the saved document, or a fresh one when none exists.
	// A non-nil error means the saved document was unreadable and a fresh
	// one was substituted; the returned State is always usable.
	Load(sessionID string) (*State, error)

	Save(st *State) error

	// Delete removes the document. Deleting an absent document is not an
	// error.
	Delete(sessionID string) error
}

// ResolveDir picks the session-status directory: the explicit override
// wins, else a session-status directory beside the transcript, else
// ~/.gatehouse/sessions.
func ResolveDir(override, transcriptPath string) string {
	if override != "" {
		return override
	}
	if transcriptPath != "" {
		return filepath.Join(filepath.Dir(transcriptPath), "session-status")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gatehouse-sessions")
	}
	return filepath.Join(home, ".gatehouse", "sessions")
}

// FileName derives the state file name for a session on a given day:
// {YYYYMMDD}-{sid8}.json.
func FileName(sessionID string, t time.Time) string {
	return fmt.Sprintf("%s-%s.json", t.UTC().Format("20060102"), SessionHash(sessionID))
}

// FileStore persists one JSON document per session under dir, serialized
// by an advisory file lock on a sentinel beside the state file.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
}

var _ Store = (*FileStore)(nil)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithLockTimeout overrides the lock acquisition deadline.
func WithLockTimeout(d time.Duration) FileStoreOption {
	return func(f *FileStore) { f.lockTimeout = d }
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f := &FileStore{dir: dir, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Dir returns the directory the store writes under.
func (f *FileStore) Dir() string { return f.dir }

// Lock acquires the per-session advisory lock with the configured
// deadline. On timeout the release function is a no-op and ErrLockTimeout
// is returned.
func (f *FileStore) Lock(ctx context.Context, sessionID string) (func(), error) {
	lockPath := f.path(sessionID) + ".lock"
	fl := flock.New(lockPath)

	lockCtx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !ok {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			err = ErrLockTimeout
		}
		return func() {}, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// Load reads the session document. Missing files yield a fresh document
// with no error; unreadable files yield a fresh document plus the error.
func (f *FileStore) Load(sessionID string) (*State, error) {
	b, err := os.ReadFile(f.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return New(sessionID), nil
		}
		return New(sessionID), fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return New(sessionID), fmt.Errorf("unmarshal state: %w", err)
	}
	if st.Gates == nil {
		st.Gates = make(map[string]*GateState)
	}
	if st.Subagents == nil {
		st.Subagents = make(map[string]*SubagentRecord)
	}
	return &st, nil
}

// Save writes the document atomically: temp file in the same directory,
// fsync, then rename over the target.
func (f *FileStore) Save(st *State) error {
	if st == nil {
		return fmt.Errorf("state is nil")
	}
	st.UpdatedAt = time.Now().UTC()

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(st.SessionID)); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Delete removes the state file and its lock sentinel.
func (f *FileStore) Delete(sessionID string) error {
	path := f.path(sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	_ = os.Remove(path + ".lock")
	return nil
}

// RememberSession records the session id for a parent process so later
// events arriving without one can recover it.
func (f *FileStore) RememberSession(ppid int, sessionID string) error {
	known := f.loadKnown()
	known[strconv.Itoa(ppid)] = sessionID

	b, err := json.Marshal(known)
	if err != nil {
		return fmt.Errorf("marshal known sessions: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, ".known-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp known file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write known sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close known sessions: %w", err)
	}
	if err := os.Rename(tmpName, f.knownPath()); err != nil {
		return fmt.Errorf("rename known sessions: %w", err)
	}
	return nil
}

// LastKnownSession returns the session id last recorded for a parent
// process, or "".
func (f *FileStore) LastKnownSession(ppid int) string {
	return f.loadKnown()[strconv.Itoa(ppid)]
}

func (f *FileStore) loadKnown() map[string]string {
	known := make(map[string]string)
	b, err := os.ReadFile(f.knownPath())
	if err != nil {
		return known
	}
	_ = json.Unmarshal(b, &known) // corrupt map starts over
	return known
}

func (f *FileStore) knownPath() string {
	return filepath.Join(f.dir, "known.json")
}

func (f *FileStore) path(sessionID string) string {
	return filepath.Join(f.dir, FileName(sessionID, time.Now()))
}
