package registry

import (
	"errors"
	"fmt"
	"github.com/cirruslabs/webterm/internal/server/session"
	"golang.org/x/sync/singleflight"
	"sync"
)

var ErrRegistryClosed = errors.New("refusing to register new session because the registry is closed")

// Factory creates the session for a connection. It must install onTeardown as the
// session's teardown hook so that the registry entry goes away with the session.
type Factory func(onTeardown func(*session.Session)) (*session.Session, error)

// Registry maps connection ids to their sessions, one session per connection.
type Registry struct {
	sessionsLock   sync.RWMutex
	sessions       map[string]*session.Session
	noMoreSessions bool

	creations singleflight.Group
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*session.Session),
	}
}

func (registry *Registry) Get(id string) *session.Session {
	registry.sessionsLock.RLock()
	defer registry.sessionsLock.RUnlock()

	return registry.sessions[id]
}

// RegisterIfAbsent returns the active session of the connection, creating and starting one
// with factory when there's none. Concurrent callers for the same id share a single factory
// call, while the factory itself runs without holding the registry lock. The boolean reports
// whether this particular call created the session.
func (registry *Registry) RegisterIfAbsent(id string, factory Factory) (*session.Session, bool, error) {
	if existing := registry.active(id); existing != nil {
		return existing, false, nil
	}

	var created bool

	result, err, _ := registry.creations.Do(id, func() (interface{}, error) {
		registry.sessionsLock.Lock()
		if registry.noMoreSessions {
			registry.sessionsLock.Unlock()

			return nil, ErrRegistryClosed
		}
		if existing, ok := registry.sessions[id]; ok && existing.State() == session.StateActive {
			registry.sessionsLock.Unlock()

			return existing, nil
		}
		registry.sessionsLock.Unlock()

		newSession, err := factory(func(s *session.Session) {
			registry.Remove(id, s)
		})
		if err != nil {
			return nil, err
		}

		registry.sessionsLock.Lock()
		if registry.noMoreSessions {
			registry.sessionsLock.Unlock()
			newSession.Close()

			return nil, ErrRegistryClosed
		}
		// replaces a leftover that is no longer active
		registry.sessions[id] = newSession
		registry.sessionsLock.Unlock()

		created = true
		newSession.Start()

		return newSession, nil
	})
	if err != nil {
		return nil, false, err
	}

	newSession, ok := result.(*session.Session)
	if !ok {
		return nil, false, fmt.Errorf("unexpected factory result %T", result)
	}

	return newSession, created, nil
}

// Remove drops the mapping only if it still points at s.
func (registry *Registry) Remove(id string, s *session.Session) bool {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	if registry.sessions[id] != s {
		return false
	}

	delete(registry.sessions, id)

	return true
}

func (registry *Registry) Len() int {
	registry.sessionsLock.RLock()
	defer registry.sessionsLock.RUnlock()

	return len(registry.sessions)
}

// Close refuses new sessions and tears down the existing ones.
func (registry *Registry) Close() {
	registry.sessionsLock.Lock()
	registry.noMoreSessions = true

	sessions := make([]*session.Session, 0, len(registry.sessions))
	for _, s := range registry.sessions {
		sessions = append(sessions, s)
	}
	registry.sessionsLock.Unlock()

	// teardown hooks call Remove, so this happens outside of the lock
	for _, s := range sessions {
		s.Close()
	}
}

func (registry *Registry) active(id string) *session.Session {
	registry.sessionsLock.RLock()
	defer registry.sessionsLock.RUnlock()

	if existing, ok := registry.sessions[id]; ok && existing.State() == session.StateActive {
		return existing
	}

	return nil
}
