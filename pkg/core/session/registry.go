// Package session holds the in-memory session registry: the single source of
// truth for which session ids exist and which components hold state for them.
package session

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{5,100}$`)

// ValidateID reports whether id is an acceptable externally supplied session id.
func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

// Session is one student interaction stream.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	removing  bool
	lastImage *core.Image

	// idle fires expiry; gen invalidates callbacks from earlier arms.
	idle *time.Timer
	gen  uint64
}

// Guard runs fn while the session is guaranteed not to be torn down. It
// returns core.ErrSessionNotFound without calling fn once removal started.
// Owners use it to register per-session state so that Remove's release hooks
// always observe it.
func (s *Session) Guard(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removing {
		return core.ErrSessionNotFound
	}
	return fn()
}

// LastImage returns the most recently delivered image.
func (s *Session) LastImage() (core.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastImage == nil {
		return core.Image{}, false
	}
	return *s.lastImage, true
}

// SetLastImage records img as the latest image. It is a no-op returning false
// once the session is being removed.
func (s *Session) SetLastImage(img core.Image) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removing {
		return false
	}
	s.lastImage = &img
	return true
}

func (s *Session) beginRemoval() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markRemovingLocked()
}

func (s *Session) markRemovingLocked() bool {
	if s.removing {
		return false
	}
	s.removing = true
	s.lastImage = nil
	s.gen++
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	return true
}

// Hooks lets a component that keeps per-session state take part in teardown
// and status reporting.
type Hooks struct {
	// Release drops the owner's state for the session. Called by Remove
	// before the record disappears.
	Release func(ctx context.Context, sessionID string)
	// Busy reports whether the owner currently holds state for the session.
	Busy func(sessionID string) bool
	// Holds reports whether the owner keeps an idle session alive. Busy is
	// used when it is nil.
	Holds func(sessionID string) bool
}

func (h Hooks) holds(id string) bool {
	switch {
	case h.Holds != nil:
		return h.Holds(id)
	case h.Busy != nil:
		return h.Busy(id)
	}
	return false
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout removes sessions that no owner holds once d has passed
// since they were created or last touched. Zero disables expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

const expiryReleaseTimeout = 30 * time.Second

type owner struct {
	name  string
	hooks Hooks
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID          string          `json:"session_id"`
	CreatedAt   time.Time       `json:"created_at"`
	HasImage    bool            `json:"has_image"`
	LastImageAt *time.Time      `json:"last_image_at,omitempty"`
	Attached    map[string]bool `json:"attached,omitempty"`
}

// Registry maps session ids to sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	owners   []owner

	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session_registry"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach registers an owner. Release hooks run in attach order.
func (r *Registry) Attach(name string, h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, owner{name: name, hooks: h})
}

// Create returns the live session for id, creating it when absent. The
// boolean reports whether a new record was made. Either way the idle timer
// restarts.
func (r *Registry) Create(id string) (*Session, bool, error) {
	if !ValidateID(id) {
		return nil, false, core.NewInvalidRequestErrorWithParam("invalid session id format", "session_id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && !isRemoving(s) {
		r.arm(s)
		return s, false, nil
	}
	s := &Session{ID: id, CreatedAt: r.now()}
	r.sessions[id] = s
	r.arm(s)
	r.logger.Info("session created", "session_id", id)
	return s, true, nil
}

// Touch restarts id's idle timer. Owners call it when they let go of a
// session, so the grace period counts from then.
func (r *Registry) Touch(id string) {
	if s, ok := r.Get(id); ok {
		r.arm(s)
	}
}

func (r *Registry) arm(s *Session) {
	if r.idleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.armLocked(s)
}

func (r *Registry) armLocked(s *Session) {
	if s.removing {
		return
	}
	s.gen++
	gen := s.gen
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idle = time.AfterFunc(r.idleTimeout, func() { r.expire(s, gen) })
}

// expire removes s unless it was touched since the timer was armed or an
// owner still holds it, in which case the timer starts over.
func (r *Registry) expire(s *Session, gen uint64) {
	r.mu.RLock()
	owners := append([]owner(nil), r.owners...)
	r.mu.RUnlock()

	s.mu.Lock()
	if s.removing || s.gen != gen {
		s.mu.Unlock()
		return
	}
	for _, o := range owners {
		if o.hooks.holds(s.ID) {
			r.armLocked(s)
			s.mu.Unlock()
			return
		}
	}
	s.markRemovingLocked()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), expiryReleaseTimeout)
	defer cancel()
	r.logger.Info("session expired", "session_id", s.ID, "idle_timeout", r.idleTimeout)
	r.teardown(ctx, s)
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || isRemoving(s) {
		return nil, false
	}
	return s, true
}

// Remove tears a session down: owners release their state first (pending
// capture canceled, live connection closed), then the record is dropped.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || !s.beginRemoval() {
		return core.ErrSessionNotFound
	}
	r.teardown(ctx, s)
	return nil
}

func (r *Registry) teardown(ctx context.Context, s *Session) {
	id := s.ID
	r.mu.RLock()
	owners := append([]owner(nil), r.owners...)
	r.mu.RUnlock()

	for _, o := range owners {
		if o.hooks.Release != nil {
			o.hooks.Release(ctx, id)
		}
	}

	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	r.logger.Info("session removed", "session_id", id)
}

// Close removes every session. Used at process shutdown.
func (r *Registry) Close(ctx context.Context) {
	for _, id := range r.IDs() {
		_ = r.Remove(ctx, id)
	}
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if isRemoving(s) {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	return len(r.IDs())
}

// Snapshot describes id, or returns false when the session does not exist.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	s, ok := r.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	r.mu.RLock()
	owners := append([]owner(nil), r.owners...)
	r.mu.RUnlock()

	snap := Snapshot{ID: s.ID, CreatedAt: s.CreatedAt}
	if img, ok := s.LastImage(); ok {
		at := img.ReceivedAt
		snap.HasImage = true
		snap.LastImageAt = &at
	}
	if len(owners) > 0 {
		snap.Attached = make(map[string]bool, len(owners))
		for _, o := range owners {
			if o.hooks.Busy != nil {
				snap.Attached[o.name] = o.hooks.Busy(id)
			}
		}
	}
	return snap, true
}

func (r *Registry) List() []Snapshot {
	ids := r.IDs()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := r.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func isRemoving(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removing
}
