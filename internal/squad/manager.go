package squad

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
)

// EventRecorder receives engagement events emitted by session transitions.
type EventRecorder interface {
	RecordEvent(ctx context.Context, userID, communityID string, kind domain.EventKind) error
}

// Notifier pushes session lifecycle notifications to the gateway.
type Notifier interface {
	Notify(n domain.Notification)
}

// SessionStore persists session records. Writes are best-effort: the
// in-memory state machine is authoritative and a failed write is logged,
// not surfaced to the invoking command.
type SessionStore interface {
	SaveSession(ctx context.Context, s *domain.SquadSession) error
	DeleteSession(ctx context.Context, id string) error
}

// session pairs the record with its own lock. Transitions on one session
// serialize on this lock; different sessions proceed independently.
type session struct {
	mu sync.Mutex
	domain.SquadSession
}

// Manager owns the lifecycle of squad-formation sessions across all
// communities.
type Manager struct {
	cfg      *config.SquadConfig
	events   EventRecorder
	notifier Notifier
	store    SessionStore
	logger   *slog.Logger

	// mu guards the session table and the open-membership index.
	// Lock order: session.mu before Manager.mu, never the reverse.
	mu       sync.RWMutex
	sessions map[string]*session
	// open maps (communityID, userID) to the open session holding that
	// user. It enforces the one-open-session-per-community rule.
	open map[openKey]string

	now func() time.Time
}

type openKey struct {
	communityID string
	userID      string
}

// NewManager creates a session manager.
func NewManager(cfg *config.SquadConfig, events EventRecorder, notifier Notifier, store SessionStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		events:   events,
		notifier: notifier,
		store:    store,
		logger:   logger,
		sessions: make(map[string]*session),
		open:     make(map[openKey]string),
		now:      time.Now,
	}
}

// CreateSession opens a new session with the leader as its first member.
func (m *Manager) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.SquadSession, error) {
	now := m.now()
	s := &session{
		SquadSession: domain.SquadSession{
			ID:          uuid.NewString(),
			CommunityID: req.CommunityID,
			LeaderID:    req.LeaderID,
			Members:     []string{req.LeaderID},
			Mission:     req.Mission,
			Notes:       req.Notes,
			State:       domain.SessionOpen,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.cfg.SessionTTL),
		},
	}

	key := openKey{req.CommunityID, req.LeaderID}
	m.mu.Lock()
	if _, busy := m.open[key]; busy {
		m.mu.Unlock()
		return nil, domain.ErrDuplicateActiveSession
	}
	m.open[key] = s.ID
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.persist(ctx, &s.SquadSession)

	if err := m.events.RecordEvent(ctx, req.LeaderID, req.CommunityID, domain.EventSquadJoin); err != nil {
		m.logger.Warn("failed to record join event", "session_id", s.ID, "error", err)
	}

	snapshot := s.SquadSession
	return &snapshot, nil
}

// Join adds a user to a session. The join that reaches capacity transitions
// the session to Full and emits one completion event per member, user
// scopes taken in ascending user-ID order.
func (m *Manager) Join(ctx context.Context, sessionID, userID string) (*domain.SquadSession, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Cooperative expiry: an operation arriving after the TTL observes
	// the expiry before the sweep does.
	if m.expireLocked(ctx, s) {
		return nil, domain.ErrSessionNotJoinable
	}
	if !s.State.Joinable() {
		return nil, domain.ErrSessionNotJoinable
	}
	if s.IsMember(userID) {
		return nil, domain.ErrAlreadyMember
	}

	key := openKey{s.CommunityID, userID}
	m.mu.Lock()
	if _, busy := m.open[key]; busy {
		m.mu.Unlock()
		return nil, domain.ErrDuplicateActiveSession
	}
	m.open[key] = s.ID
	m.mu.Unlock()

	s.Members = append(s.Members, userID)

	filled := false
	switch {
	case len(s.Members) >= domain.SquadSize:
		s.State = domain.SessionFull
		filled = true
	default:
		s.State = domain.SessionFilling
	}

	if err := m.events.RecordEvent(ctx, userID, s.CommunityID, domain.EventSquadJoin); err != nil {
		m.logger.Warn("failed to record join event", "session_id", s.ID, "error", err)
	}

	if filled {
		m.releaseLocked(s)

		// Completion bonus for every member, ascending user ID so the
		// per-user score scopes are always taken in the same order.
		members := append([]string(nil), s.Members...)
		sort.Strings(members)
		for _, member := range members {
			if err := m.events.RecordEvent(ctx, member, s.CommunityID, domain.EventSquadComplete); err != nil {
				m.logger.Warn("failed to record completion event",
					"session_id", s.ID,
					"user_id", member,
					"error", err,
				)
			}
		}
		m.notify(domain.NoticeSquadFilled, s)
	}

	m.persist(ctx, &s.SquadSession)

	snapshot := s.SquadSession
	return &snapshot, nil
}

// Leave removes a user from a session. The leader leaving cancels the
// session outright; there is no leader hand-off.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) (*domain.SquadSession, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.expireLocked(ctx, s) {
		return nil, domain.ErrSessionNotJoinable
	}
	if !s.IsMember(userID) {
		return nil, domain.ErrNotAMember
	}
	if !s.State.Joinable() {
		return nil, domain.ErrSessionNotJoinable
	}

	if userID == s.LeaderID {
		m.cancelLocked(ctx, s)
		snapshot := s.SquadSession
		return &snapshot, nil
	}

	for i, member := range s.Members {
		if member == userID {
			s.Members = append(s.Members[:i], s.Members[i+1:]...)
			break
		}
	}
	m.mu.Lock()
	delete(m.open, openKey{s.CommunityID, userID})
	m.mu.Unlock()

	if len(s.Members) < m.cfg.MinViableSize {
		m.cancelLocked(ctx, s)
	} else if len(s.Members) == 1 {
		s.State = domain.SessionOpen
	}

	m.persist(ctx, &s.SquadSession)

	snapshot := s.SquadSession
	return &snapshot, nil
}

// Cancel terminates a session. Only the leader may cancel; cancelling an
// already-terminal session is a no-op so duplicate commands are harmless.
func (m *Manager) Cancel(ctx context.Context, sessionID, actorID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State.Terminal() {
		return nil
	}
	if actorID != s.LeaderID {
		return domain.ErrNotAuthorized
	}

	m.cancelLocked(ctx, s)
	m.persist(ctx, &s.SquadSession)
	return nil
}

// Get returns a snapshot of a session.
func (m *Manager) Get(sessionID string) (*domain.SquadSession, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.SquadSession
	return &snapshot, nil
}

// ListOpen returns snapshots of the community's open sessions.
func (m *Manager) ListOpen(communityID string) []domain.SquadSession {
	m.mu.RLock()
	candidates := make([]*session, 0)
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	var out []domain.SquadSession
	for _, s := range candidates {
		s.mu.Lock()
		if s.CommunityID == communityID && s.State.Joinable() {
			out = append(out, s.SquadSession)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SweepExpired transitions every Open/Filling session past its TTL into
// Expired. Unsuccessful squads grant no engagement bonus.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	candidates := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	expired := 0
	for _, s := range candidates {
		s.mu.Lock()
		if s.State.Joinable() && s.ExpiresAt.Before(now) {
			s.State = domain.SessionExpired
			m.releaseLocked(s)
			m.notify(domain.NoticeSquadExpired, s)
			m.persist(ctx, &s.SquadSession)
			expired++
		}
		s.mu.Unlock()
	}
	return expired
}

// PurgeTerminal deletes terminal sessions created before the cutoff.
// Recent terminal sessions stay for auditability.
func (m *Manager) PurgeTerminal(ctx context.Context, cutoff time.Time) int {
	m.mu.RLock()
	candidates := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	purged := 0
	for _, s := range candidates {
		s.mu.Lock()
		remove := s.State.Terminal() && s.CreatedAt.Before(cutoff)
		s.mu.Unlock()
		if !remove {
			continue
		}
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		if err := m.store.DeleteSession(ctx, s.ID); err != nil {
			m.logger.Warn("failed to delete session from store", "session_id", s.ID, "error", err)
		}
		purged++
	}
	return purged
}

// RemoveUser cascades a user deletion: sessions they lead are cancelled
// and their membership elsewhere is released. Terminal sessions they led
// are deleted outright so no child record outlives its owner.
func (m *Manager) RemoveUser(ctx context.Context, userID string) {
	m.mu.RLock()
	candidates := make([]*session, 0)
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	for _, s := range candidates {
		s.mu.Lock()
		switch {
		case s.State.Joinable() && s.LeaderID == userID:
			m.cancelLocked(ctx, s)
			m.persist(ctx, &s.SquadSession)
		case s.State.Joinable() && s.IsMember(userID):
			for i, member := range s.Members {
				if member == userID {
					s.Members = append(s.Members[:i], s.Members[i+1:]...)
					break
				}
			}
			m.mu.Lock()
			delete(m.open, openKey{s.CommunityID, userID})
			m.mu.Unlock()
			m.persist(ctx, &s.SquadSession)
		}
		leaderOwned := s.LeaderID == userID
		id := s.ID
		s.mu.Unlock()

		if leaderOwned {
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			if err := m.store.DeleteSession(ctx, id); err != nil {
				m.logger.Warn("failed to delete session from store", "session_id", id, "error", err)
			}
		}
	}
}

// RemoveCommunity drops every session belonging to a community.
func (m *Manager) RemoveCommunity(ctx context.Context, communityID string) {
	m.mu.Lock()
	var ids []string
	for id, s := range m.sessions {
		if s.CommunityID == communityID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(m.sessions, id)
	}
	for key := range m.open {
		if key.communityID == communityID {
			delete(m.open, key)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.store.DeleteSession(ctx, id); err != nil {
			m.logger.Warn("failed to delete session from store", "session_id", id, "error", err)
		}
	}
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return s, nil
}

// expireLocked transitions a session past its TTL into Expired. Caller
// holds s.mu.
func (m *Manager) expireLocked(ctx context.Context, s *session) bool {
	if !s.State.Joinable() || !s.ExpiresAt.Before(m.now()) {
		return false
	}
	s.State = domain.SessionExpired
	m.releaseLocked(s)
	m.notify(domain.NoticeSquadExpired, s)
	m.persist(ctx, &s.SquadSession)
	return true
}

// cancelLocked transitions a session to Cancelled. Caller holds s.mu.
func (m *Manager) cancelLocked(ctx context.Context, s *session) {
	s.State = domain.SessionCancelled
	m.releaseLocked(s)
	m.notify(domain.NoticeSquadCancelled, s)
}

// releaseLocked clears the open-membership index entries for a session
// that stopped accepting members. Caller holds s.mu.
func (m *Manager) releaseLocked(s *session) {
	m.mu.Lock()
	for _, member := range s.Members {
		key := openKey{s.CommunityID, member}
		if m.open[key] == s.ID {
			delete(m.open, key)
		}
	}
	// The leader may already have been removed from Members by Leave.
	key := openKey{s.CommunityID, s.LeaderID}
	if m.open[key] == s.ID {
		delete(m.open, key)
	}
	m.mu.Unlock()
}

func (m *Manager) notify(noticeType string, s *session) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(domain.Notification{
		Type:        noticeType,
		CommunityID: s.CommunityID,
		Data: domain.SquadNotice{
			SessionID:   s.ID,
			CommunityID: s.CommunityID,
			LeaderID:    s.LeaderID,
			Members:     append([]string(nil), s.Members...),
		},
		Timestamp: m.now(),
	})
}

func (m *Manager) persist(ctx context.Context, s *domain.SquadSession) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		m.logger.Warn("failed to persist session", "session_id", s.ID, "error", err)
	}
}
