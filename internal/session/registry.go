// Package session tracks capture and realtime sessions.
//
// A [Registry] is the single source of truth for session metadata. Session ids
// are UUIDv7 strings: time ordered, unique within and across process
// lifetimes, and safe to use as file names. Sessions are never deleted; their
// logs outlive them and stay reportable.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
)

// ErrNotFound is returned for ids the registry does not know.
var ErrNotFound = errors.New("session: not found")

// Status is the lifecycle state of a session.
type Status int

const (
	// StatusCreated is the state between Create and MarkRunning.
	StatusCreated Status = iota

	// StatusRunning means the session's log sink is open.
	StatusRunning

	// StatusStopped is terminal.
	StatusStopped
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is a snapshot of one session's metadata.
type Session struct {
	ID        string           `json:"id"`
	Mode      framesource.Mode `json:"mode"`
	Source    string           `json:"source,omitempty"`
	Status    Status           `json:"status"`
	LogPath   string           `json:"log_path"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt time.Time        `json:"started_at,omitzero"`
	StoppedAt time.Time        `json:"stopped_at,omitzero"`
}

// ValidID reports whether id is syntactically a session id. It rejects
// anything that could escape the log directory.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// Registry stores sessions in memory. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	logDir   string
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry returns an empty registry whose sessions log to logDir.
func NewRegistry(logDir string) *Registry {
	return &Registry{
		logDir:   logDir,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// LogDir returns the directory holding session logs.
func (r *Registry) LogDir() string { return r.logDir }

// LogPath returns the log file path for id. It does not check that the id is
// registered.
func (r *Registry) LogPath(id string) string {
	return filepath.Join(r.logDir, id+".csv")
}

// Create allocates a new session in [StatusCreated].
func (r *Registry) Create(mode framesource.Mode, source string) (Session, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("session: new id: %w", err)
	}
	id := u.String()
	s := &Session{
		ID:        id,
		Mode:      mode,
		Source:    source,
		Status:    StatusCreated,
		LogPath:   r.LogPath(id),
		CreatedAt: r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
	return *s, nil
}

// MarkRunning moves a created session to [StatusRunning].
func (r *Registry) MarkRunning(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status != StatusCreated {
		return fmt.Errorf("session: %s is %s, not created", id, s.Status)
	}
	s.Status = StatusRunning
	s.StartedAt = r.now()
	return nil
}

// MarkStopped moves a session to [StatusStopped]. Unknown ids and sessions
// already stopped are ignored. It reports whether the status changed.
func (r *Registry) MarkStopped(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status == StatusStopped {
		return false
	}
	s.Status = StatusStopped
	s.StoppedAt = r.now()
	return true
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns snapshots of all sessions, newest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	// UUIDv7 strings sort by creation time.
	slices.SortFunc(out, func(a, b Session) int { return strings.Compare(b.ID, a.ID) })
	return out
}
