package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnsupportedProtocol is returned when no dialer is registered for a protocol
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// Mux picks the dialer registered for the endpoint protocol
type Mux struct {
	dialers map[Protocol]Dialer
	lock    sync.RWMutex
}

func NewMux() *Mux {
	return &Mux{
		dialers: make(map[Protocol]Dialer),
	}
}

// Handle registers the dialer for the protocol, replacing any previous one
func (m *Mux) Handle(p Protocol, d Dialer) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.dialers[p] = d
}

// Supports reports whether a dialer is registered for the protocol
func (m *Mux) Supports(p Protocol) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.dialers[p]
	return ok
}

// Protocols returns the registered protocols in sorted order
func (m *Mux) Protocols() []Protocol {
	m.lock.RLock()
	defer m.lock.RUnlock()
	list := make([]Protocol, 0, len(m.dialers))
	for p := range m.dialers {
		list = append(list, p)
	}
	sort.Strings(list)
	return list
}

func (m *Mux) Dial(ctx context.Context, endpoint Endpoint, creds Credentials) (Client, error) {
	m.lock.RLock()
	d, ok := m.dialers[endpoint.Protocol]
	m.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, endpoint.Protocol)
	}
	return d.Dial(ctx, endpoint, creds)
}
