package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	session *Session
	cancel  context.CancelCauseFunc
}

// Manager is the registry of live relay sessions. Ended sessions are removed.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register adds a bridged session. cancel is invoked with ErrExpired when the
// janitor ends it.
func (m *Manager) Register(id, model, transcriptionModel, doc string, cancel context.CancelCauseFunc) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:                 id,
		Model:              model,
		TranscriptionModel: transcriptionModel,
		Doc:                doc,
		Status:             StatusActive,
		CommitState:        "idle",
		StartedAt:          now,
		LastActivityAt:     now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, ErrInUse
	}
	m.sessions[id] = &entry{session: s, cancel: cancel}
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Touch records client activity. Only client traffic keeps a session alive.
func (m *Manager) Touch(sessionID string) error {
	return m.Update(sessionID, func(s *Session) { s.LastActivityAt = time.Now().UTC() })
}

// Update applies fn to the live session under the registry lock.
func (m *Manager) Update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(e.session)
	return nil
}

// End removes the session and returns its final state.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	e.session.Status = StatusEnded
	e.session.LastActivityAt = time.Now().UTC()
	return clone(e.session), nil
}

// List returns live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, clone(e.session))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CancelAll cancels every live session with cause. Sessions stay registered
// until their connections finish tearing down.
func (m *Manager) CancelAll(cause error) int {
	m.mu.RLock()
	cancels := make([]context.CancelCauseFunc, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	m.mu.RUnlock()

	for _, cancel := range cancels {
		cancel(cause)
	}
	return len(cancels)
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		e.session.Status = StatusEnded
		e.session.LastActivityAt = now
		delete(m.sessions, id)
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		if e.cancel != nil {
			e.cancel(ErrExpired)
		}
		if hook != nil {
			hook(clone(e.session))
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
