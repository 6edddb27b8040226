package router

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
)

// SessionManager tracks conversations keyed by correlation id.
type SessionManager struct {
	sessions map[string]*a2a.Session
	mu       sync.RWMutex
	eventBus *bus.EventBus
	logger   *logrus.Logger
	clock    clock.Clock
}

func NewSessionManager(eb *bus.EventBus, logger *logrus.Logger, clk clock.Clock) *SessionManager {
	if logger == nil {
		logger = logrus.New()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SessionManager{
		sessions: make(map[string]*a2a.Session),
		eventBus: eb,
		logger:   logger,
		clock:    clk,
	}
}

// Touch creates or updates the session for msg.CorrelationID. Messages
// without a correlation id are ignored. A RESPONSE completes the session, an
// ERROR fails it and any other type makes it active again.
func (sm *SessionManager) Touch(msg *a2a.Message) *a2a.Session {
	if msg.CorrelationID == "" {
		return nil
	}

	sm.mu.Lock()
	now := sm.clock.Now()
	s, exists := sm.sessions[msg.CorrelationID]
	if !exists {
		s = &a2a.Session{
			ID:      msg.CorrelationID,
			Created: now,
			State:   a2a.SessionActive,
		}
		sm.sessions[s.ID] = s
		sm.logger.Debugf("[SessionID: %s] Session created by %s", s.ID, msg.From)
	}

	s.Participants = addParticipant(s.Participants, msg.From)
	for _, to := range msg.To {
		s.Participants = addParticipant(s.Participants, to)
	}
	s.LastActivity = now
	s.MessageCount++

	oldState := s.State
	switch msg.Type {
	case a2a.TypeResponse:
		s.State = a2a.SessionCompleted
	case a2a.TypeError:
		s.State = a2a.SessionFailed
	default:
		if s.State != a2a.SessionClosed {
			s.State = a2a.SessionActive
		}
	}
	snapshot := cloneSession(s)
	sm.mu.Unlock()

	if oldState != snapshot.State && exists {
		sm.logger.Debugf("[SessionID: %s] State updated from '%s' to '%s'", snapshot.ID, oldState, snapshot.State)
	}
	sm.publish(snapshot, oldState)
	return snapshot
}

func (sm *SessionManager) Get(id string) (*a2a.Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return cloneSession(s), true
}

// SetState moves a session to state, e.g. closed. Unknown ids return false.
func (sm *SessionManager) SetState(id, state string) bool {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if !ok {
		sm.mu.Unlock()
		sm.logger.Warnf("[SessionID: %s] Attempted to update non-existent session", id)
		return false
	}
	oldState := s.State
	s.State = state
	s.LastActivity = sm.clock.Now()
	snapshot := cloneSession(s)
	sm.mu.Unlock()

	sm.logger.Infof("[SessionID: %s] State updated from '%s' to '%s'", id, oldState, state)
	sm.publish(snapshot, oldState)
	return true
}

// List returns all sessions ordered by most recent activity.
func (sm *SessionManager) List() []*a2a.Session {
	sm.mu.RLock()
	out := make([]*a2a.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, cloneSession(s))
	}
	sm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

// CountByState returns the number of sessions in each state.
func (sm *SessionManager) CountByState() map[string]int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	counts := make(map[string]int)
	for _, s := range sm.sessions {
		counts[s.State]++
	}
	return counts
}

func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Reap removes sessions that are not active and have been idle longer than
// inactivity.
func (sm *SessionManager) Reap(inactivity time.Duration) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cutoff := sm.clock.Now().Add(-inactivity)
	reaped := 0
	for id, s := range sm.sessions {
		if s.State != a2a.SessionActive && s.LastActivity.Before(cutoff) {
			delete(sm.sessions, id)
			reaped++
		}
	}
	if reaped > 0 {
		sm.logger.Infof("Reaped %d inactive sessions idle longer than %v", reaped, inactivity)
	}
	return reaped
}

func (sm *SessionManager) publish(s *a2a.Session, oldState string) {
	if sm.eventBus == nil {
		return
	}
	sm.eventBus.Publish(bus.Event{
		Type: bus.EventSessionUpdated,
		Payload: map[string]interface{}{
			"sessionId": s.ID,
			"oldState":  oldState,
			"newState":  s.State,
			"session":   s,
		},
	})
}

func addParticipant(list []string, id string) []string {
	if id == "" || containsValue(list, id) {
		return list
	}
	return append(list, id)
}

func cloneSession(s *a2a.Session) *a2a.Session {
	cp := *s
	cp.Participants = append([]string(nil), s.Participants...)
	return &cp
}
