package dap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ctagard/codetrace/pkg/types"
)

// Status is the lifecycle state of a recorded session
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Session is one recorded debug execution
type Session struct {
	ID        string
	Language  types.Language
	Program   string
	Recorder  *Recorder
	CreatedAt time.Time

	mu     sync.RWMutex
	status Status
	err    error
}

// SessionInfo is the serializable summary of a session
type SessionInfo struct {
	SessionID string         `json:"sessionId"`
	Language  types.Language `json:"language"`
	Status    Status         `json:"status"`
	Program   string         `json:"program,omitempty"`
	Pauses    int            `json:"pauses"`
	Error     string         `json:"error,omitempty"`
	Group     string         `json:"group,omitempty"`
}

// CompoundSession tracks the sessions of one debug group
type CompoundSession struct {
	Name       string
	SessionIDs []string
	StopAll    bool
}

// SessionManager keeps recorded sessions until they expire
type SessionManager struct {
	sessions          map[string]*Session
	compoundSessions  map[string]*CompoundSession // group id -> compound session
	sessionToCompound map[string]string           // session ID -> group id
	mu                sync.RWMutex

	maxSessions    int
	sessionTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSessionManager creates a new session manager and starts its cleanup loop
func NewSessionManager(maxSessions int, sessionTimeout time.Duration, logger zerolog.Logger) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &SessionManager{
		sessions:          make(map[string]*Session),
		compoundSessions:  make(map[string]*CompoundSession),
		sessionToCompound: make(map[string]string),
		maxSessions:       maxSessions,
		sessionTimeout:    sessionTimeout,
		logger:            logger,
		now:               time.Now,
		ctx:               ctx,
		cancel:            cancel,
	}

	go sm.cleanupLoop()

	return sm
}

// cleanupLoop periodically removes expired sessions
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			sm.cleanupExpiredSessions()
		}
	}
}

func (sm *SessionManager) cleanupExpiredSessions() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now()
	for id, session := range sm.sessions {
		if session.Status() == StatusRunning {
			continue
		}
		if now.Sub(session.CreatedAt) > sm.sessionTimeout {
			sm.removeLocked(id)
			sm.logger.Debug().Str("session", id).Msg("session expired")
		}
	}
}

// CreateSession registers a running session recording through rec. When the
// manager is full the oldest finished session is evicted.
func (sm *SessionManager) CreateSession(language types.Language, program string, rec *Recorder) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.maxSessions && !sm.evictOldestLocked() {
		return nil, fmt.Errorf("maximum number of sessions (%d) reached", sm.maxSessions)
	}

	session := &Session{
		ID:        uuid.New().String(),
		Language:  language,
		Program:   program,
		Recorder:  rec,
		CreatedAt: sm.now(),
		status:    StatusRunning,
	}

	sm.sessions[session.ID] = session
	return session, nil
}

func (sm *SessionManager) evictOldestLocked() bool {
	var oldest *Session
	for _, s := range sm.sessions {
		if s.Status() == StatusRunning {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return false
	}
	sm.removeLocked(oldest.ID)
	return true
}

// GetSession retrieves a session by ID
func (sm *SessionManager) GetSession(id string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}

	return session, nil
}

// ListSessions returns all sessions, oldest first
func (sm *SessionManager) ListSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, session := range sm.sessions {
		sessions = append(sessions, session)
	}
	sortSessions(sessions)
	return sessions
}

// Finish records the outcome of a session's execution
func (sm *SessionManager) Finish(id string, status Status, err error) error {
	session, gerr := sm.GetSession(id)
	if gerr != nil {
		return gerr
	}

	session.mu.Lock()
	session.status = status
	session.err = err
	session.mu.Unlock()
	return nil
}

// TerminateSession removes a session. When it belongs to a group tracked with
// stopAll, its siblings are removed too.
func (sm *SessionManager) TerminateSession(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[id]; !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	if compoundName, ok := sm.sessionToCompound[id]; ok {
		if compound, ok := sm.compoundSessions[compoundName]; ok && compound.StopAll {
			siblings := append([]string(nil), compound.SessionIDs...)
			for _, siblingID := range siblings {
				if siblingID != id {
					sm.removeLocked(siblingID)
				}
			}
			delete(sm.compoundSessions, compoundName)
		}
	}

	sm.removeLocked(id)
	return nil
}

// removeLocked drops a session (must be called with lock held)
func (sm *SessionManager) removeLocked(id string) {
	delete(sm.sessions, id)
	if compoundName, ok := sm.sessionToCompound[id]; ok {
		delete(sm.sessionToCompound, id)
		if compound, ok := sm.compoundSessions[compoundName]; ok {
			compound.SessionIDs = without(compound.SessionIDs, id)
			if len(compound.SessionIDs) == 0 {
				delete(sm.compoundSessions, compoundName)
			}
		}
	}
}

// TrackCompoundSession registers the sessions recorded inside one group. If
// stopAll is true, terminating any of them terminates all of them.
func (sm *SessionManager) TrackCompoundSession(groupID string, sessionIDs []string, stopAll bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.compoundSessions[groupID] = &CompoundSession{
		Name:       groupID,
		SessionIDs: append([]string(nil), sessionIDs...),
		StopAll:    stopAll,
	}
	for _, sessionID := range sessionIDs {
		sm.sessionToCompound[sessionID] = groupID
	}
}

// GetCompoundSession returns the sessions of a group
func (sm *SessionManager) GetCompoundSession(groupID string) (*CompoundSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	compound, ok := sm.compoundSessions[groupID]
	return compound, ok
}

// Close stops the cleanup loop and drops every session
func (sm *SessionManager) Close() {
	sm.cancel()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for id := range sm.sessions {
		sm.removeLocked(id)
	}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// GetInfo returns the session summary
func (s *Session) GetInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		SessionID: s.ID,
		Language:  s.Language,
		Status:    s.status,
		Program:   s.Program,
	}
	if s.Recorder != nil {
		records := s.Recorder.Records()
		info.Pauses = len(records)
		if len(records) > 0 {
			info.Group = records[0].Context.Parent
		}
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, have := range ids {
		if have != id {
			out = append(out, have)
		}
	}
	return out
}

func sortSessions(s []*Session) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].CreatedAt.Before(s[j].CreatedAt) })
}
