package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned for unknown or already-terminated sessions.
	ErrNotFound = errors.New("upload session not found")
	// ErrDigestMismatch is returned when the uploaded bytes do not hash to
	// the digest the client asserted. The session stays open.
	ErrDigestMismatch = errors.New("digest does not match uploaded content")
	// ErrRangeInvalid is returned for a non-sequential Content-Range
	// offset. Only appends at the current end of the upload are accepted.
	ErrRangeInvalid = errors.New("upload offset does not match session state")
)

// Session tracks one resumable blob upload. Sessions live in memory for
// the process lifetime; a restart loses in-flight uploads and clients
// retry.
type Session struct {
	ID   string
	Repo string
	Size int64
	Path string
}

// Manager owns the in-flight session records. The map is guarded by a
// single lock; appends write to the session's temp file outside the lock
// so uploads to different sessions never contend.
type Manager struct {
	mu       sync.Mutex
	dir      string
	sessions map[string]*Session
}

func NewManager(root string) (*Manager, error) {
	dir := filepath.Join(root, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Manager{dir: dir, sessions: make(map[string]*Session)}, nil
}

// Create opens a new session with a fresh UUID and an empty temp file.
func (m *Manager) Create(repo string) (Session, error) {
	id := uuid.New().String()
	path := filepath.Join(m.dir, id)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Session{}, err
	}
	file.Close()

	s := &Session{ID: id, Repo: repo, Path: path}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return *s, nil
}

// Get returns a snapshot of the session state.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Append writes body bytes to the end of the session's temp file and
// returns the new total size. A non-negative offset asserts where the
// append must start; pass -1 to append unconditionally.
func (m *Manager) Append(id string, offset int64, body io.Reader) (int64, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNotFound
	}
	if offset >= 0 && offset != s.Size {
		size := s.Size
		m.mu.Unlock()
		return size, ErrRangeInvalid
	}
	path := s.Path
	m.mu.Unlock()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(file, body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}

	m.mu.Lock()
	s.Size += n
	total := s.Size
	m.mu.Unlock()
	return total, err
}

// Commit verifies the temp file hashes to dgst and, on success, removes
// the session record and hands the temp file path to the caller for
// finalization. On mismatch the session stays open so the client can
// keep appending or abort.
func (m *Manager) Commit(id string, dgst digest.Digest) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	file, err := os.Open(s.Path)
	if err != nil {
		return "", err
	}
	digester := digest.Canonical.Digester()
	_, err = io.Copy(digester.Hash(), file)
	file.Close()
	if err != nil {
		return "", err
	}
	if digester.Digest() != dgst {
		return "", ErrDigestMismatch
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return s.Path, nil
}

// Abort discards the session and its temp file.
func (m *Manager) Abort(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return os.Remove(s.Path)
}
