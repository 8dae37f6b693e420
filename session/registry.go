// Description: session package
// The Registry owns every open remote connection. It hands out opaque ids,
// resolves them back to sessions, closes them on request, on idle timeout and on shutdown.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/telebroad/ftpweb/remote"
)

var (
	// ErrNotFound is returned for an unknown or closed session id
	ErrNotFound = errors.New("session not found")
	// ErrLimit is returned when the registry is full
	ErrLimit = errors.New("too many open sessions")
	// ErrConnect wraps every dial or login failure
	ErrConnect = errors.New("connect failed")
	// ErrShutdown is returned once CloseAll was called
	ErrShutdown = errors.New("registry is shutting down")
)

// reasons a session ends, used in logs and metrics
const (
	ReasonDisconnect = "disconnect"
	ReasonIdle       = "idle"
	ReasonLost       = "connection_lost"
	ReasonShutdown   = "shutdown"
)

// Metrics observes the session lifecycle, a nil Metrics is allowed
type Metrics interface {
	SessionOpened(protocol string)
	SessionClosed(protocol, reason string)
}

// Options configures a Registry
type Options struct {
	// MaxSessions bounds the number of live and connecting sessions, 0 means no bound
	MaxSessions int
	// IdleTimeout closes sessions unused for that long, 0 disables the janitor
	IdleTimeout time.Duration
	// SweepInterval is how often the janitor looks for idle sessions
	SweepInterval time.Duration
	// DialTimeout bounds Create, 0 leaves it to the caller context
	DialTimeout time.Duration
}

// Registry manages all open sessions.
type Registry struct {
	dialer  remote.Dialer
	opts    Options
	logger  *slog.Logger
	metrics Metrics

	sessions map[string]*Session // Map of open sessions
	pending  int                 // dials in progress, they count toward MaxSessions
	shutdown bool
	lock     sync.RWMutex // Protects the fields above

	now   func() time.Time
	newID func() string
}

func NewRegistry(dialer remote.Dialer, opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Registry{
		dialer:   dialer,
		opts:     opts,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	r.logger = l
}

// Logger returns the logger for the registry.
func (r *Registry) Logger() *slog.Logger {
	return r.logger.With("module", "session")
}

// SetMetrics sets the lifecycle observer
func (r *Registry) SetMetrics(m Metrics) {
	r.metrics = m
}

// Create dials the endpoint and registers the new session.
// The registry lock is not held while dialing.
func (r *Registry) Create(ctx context.Context, endpoint remote.Endpoint, creds remote.Credentials) (*Session, error) {
	r.lock.Lock()
	if r.shutdown {
		r.lock.Unlock()
		return nil, ErrShutdown
	}
	if r.opts.MaxSessions > 0 && len(r.sessions)+r.pending >= r.opts.MaxSessions {
		r.lock.Unlock()
		return nil, fmt.Errorf("%w: limit is %d", ErrLimit, r.opts.MaxSessions)
	}
	r.pending++
	r.lock.Unlock()

	if r.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.DialTimeout)
		defer cancel()
	}
	client, err := r.dialer.Dial(ctx, endpoint, creds)

	r.lock.Lock()
	r.pending--
	if err != nil {
		r.lock.Unlock()
		r.Logger().Info("Connect failed", "endpoint", endpoint.String(), "user", creds.Username, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if r.shutdown {
		r.lock.Unlock()
		_ = client.Close()
		return nil, ErrShutdown
	}
	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}
	s := newSession(r, id, endpoint, creds.Username, client, r.now())
	r.sessions[id] = s
	count := len(r.sessions)
	r.lock.Unlock()

	if r.metrics != nil {
		r.metrics.SessionOpened(endpoint.Protocol)
	}
	r.Logger().Info("Session opened", "session", id, "endpoint", endpoint.String(), "user", creds.Username, "sessions", count)
	return s, nil
}

// Get retrieves a session by its ID. A closed session is never returned.
func (r *Registry) Get(id string) (*Session, bool) {
	r.lock.RLock()
	s, exists := r.sessions[id]
	r.lock.RUnlock()
	if !exists || s.Closed() {
		return nil, false
	}
	return s, true
}

// Close removes and closes the session. Unknown or already closed ids are ignored.
func (r *Registry) Close(id string) {
	r.Evict(id, ReasonDisconnect)
}

// Evict removes and closes the session, recording why
func (r *Registry) Evict(id, reason string) {
	r.lock.Lock()
	s, exists := r.sessions[id]
	delete(r.sessions, id)
	r.lock.Unlock()
	if !exists {
		return
	}
	if s.close() {
		r.closed(s, reason)
	}
}

func (r *Registry) closed(s *Session, reason string) {
	if r.metrics != nil {
		r.metrics.SessionClosed(s.Endpoint.Protocol, reason)
	}
	r.Logger().Info("Session closed", "session", s.ID, "endpoint", s.Endpoint.String(), "reason", reason)
}

// Len returns the number of open sessions
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// Sweep closes the sessions idle since before now minus the idle timeout.
// Busy sessions are skipped unless their operation is past its deadline.
// It returns the number of sessions closed.
func (r *Registry) Sweep(now time.Time) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	r.lock.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if now.Sub(s.LastUsed()) >= r.opts.IdleTimeout {
			candidates = append(candidates, s)
		}
	}
	r.lock.RUnlock()

	swept := 0
	for _, s := range candidates {
		if !s.closeIfIdle(now, r.opts.IdleTimeout) {
			continue
		}
		r.lock.Lock()
		if r.sessions[s.ID] == s {
			delete(r.sessions, s.ID)
		}
		r.lock.Unlock()
		r.closed(s, ReasonIdle)
		swept++
	}
	return swept
}

// Run sweeps idle sessions until ctx is done
func (r *Registry) Run(ctx context.Context) error {
	if r.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.Logger().Debug("Idle sessions closed", "count", n, "sessions", r.Len())
			}
		}
	}
}

// CloseAll closes every session and refuses new ones.
// Running operations may finish until ctx is done, then their clients are closed under them.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.lock.Lock()
	r.shutdown = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.lock.Unlock()

	for _, s := range sessions {
		if s.close() {
			r.closed(s, ReasonShutdown)
		}
	}

	forced := 0
	for _, s := range sessions {
		select {
		case <-s.Done():
			continue
		case <-ctx.Done():
		}
		s.forceClose()
		forced++
	}
	if forced > 0 {
		r.Logger().Warn("Sessions closed while busy", "count", forced)
		return fmt.Errorf("%d sessions closed while busy: %w", forced, ctx.Err())
	}
	return nil
}
