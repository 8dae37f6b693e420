package session

import (
	"context"
	"sync"
	"time"

	"github.com/telebroad/ftpweb/remote"
)

// Session represents one live connection to a remote server, owned by the Registry.
type Session struct {
	ID        string          // opaque token handed to the caller
	Endpoint  remote.Endpoint // where the client is connected
	Username  string          // the password is never kept
	CreatedAt time.Time

	registry *Registry
	client   remote.Client
	sem      chan struct{} // holds one token while an operation runs
	done     chan struct{} // closed once the client is closed
	once     sync.Once

	lock     sync.Mutex // protects closed, lastUsed and deadline
	closed   bool
	lastUsed time.Time
	deadline time.Time // of the running operation, zero when it has none
}

func newSession(r *Registry, id string, endpoint remote.Endpoint, username string, client remote.Client, now time.Time) *Session {
	return &Session{
		ID:        id,
		Endpoint:  endpoint,
		Username:  username,
		CreatedAt: now,
		registry:  r,
		client:    client,
		sem:       make(chan struct{}, 1),
		done:      make(chan struct{}),
		lastUsed:  now,
	}
}

// Acquire waits for exclusive use of the client.
// It fails with ErrNotFound when the session was closed while waiting.
// Every successful Acquire must be followed by exactly one Release.
// The deadline of ctx bounds the operation: once it has passed, a close
// does not wait for Release and closes the client under the operation.
func (s *Session) Acquire(ctx context.Context) (remote.Client, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.lock.Lock()
	closed := s.closed
	if !closed {
		s.lastUsed = s.registry.now()
		s.deadline, _ = ctx.Deadline()
	}
	s.lock.Unlock()

	if closed {
		s.Release()
		return nil, ErrNotFound
	}
	return s.client, nil
}

// Release gives the client back. A close requested while the operation ran happens here.
func (s *Session) Release() {
	s.lock.Lock()
	s.lastUsed = s.registry.now()
	s.deadline = time.Time{}
	if s.closed {
		s.lock.Unlock()
		s.closeClient()
		<-s.sem
		return
	}
	<-s.sem
	s.lock.Unlock()
}

// LastUsed returns when the last operation started or ended
func (s *Session) LastUsed() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastUsed
}

// Busy reports whether an operation currently holds the client
func (s *Session) Busy() bool {
	return len(s.sem) > 0
}

// Closed reports whether the session was closed
func (s *Session) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Done is closed once the client connection has been closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// close marks the session closed and closes the client now when idle.
// Otherwise the running operation closes it on Release, or the client is
// closed under it once its deadline has passed.
// It returns false when the session was already closed.
func (s *Session) close() bool {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return false
	}
	s.closed = true
	acquired := false
	select {
	case s.sem <- struct{}{}:
		acquired = true
	default:
	}
	deadline := s.deadline
	s.lock.Unlock()

	if acquired {
		s.closeClient()
		<-s.sem
		return true
	}
	if !deadline.IsZero() {
		go s.closeAfter(deadline)
	}
	return true
}

// closeAfter closes the client at deadline unless Release did it first
func (s *Session) closeAfter(deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-s.done:
		return
	case <-timer.C:
	}
	s.registry.Logger().Warn("Closing remote connection under an operation past its deadline", "session", s.ID, "endpoint", s.Endpoint.String())
	s.closeClient()
}

// closeIfIdle closes the session when it has not been used for idle and no operation is running.
// An operation still running past its deadline does not keep the session open.
func (s *Session) closeIfIdle(now time.Time, idle time.Duration) bool {
	s.lock.Lock()
	if s.closed || now.Sub(s.lastUsed) < idle {
		s.lock.Unlock()
		return false
	}
	select {
	case s.sem <- struct{}{}:
	default:
		if s.deadline.IsZero() || !now.After(s.deadline) {
			s.lock.Unlock()
			return false
		}
		s.closed = true
		s.lock.Unlock()
		s.closeClient()
		return true
	}
	s.closed = true
	s.lock.Unlock()

	s.closeClient()
	<-s.sem
	return true
}

// forceClose closes the client even while an operation is using it
func (s *Session) forceClose() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
	s.closeClient()
}

func (s *Session) closeClient() {
	s.once.Do(func() {
		if err := s.client.Close(); err != nil {
			s.registry.Logger().Warn("Error closing remote connection", "session", s.ID, "endpoint", s.Endpoint.String(), "error", err)
		}
		close(s.done)
	})
}
