package engagement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
)

// Notifier pushes level-up notifications to the gateway.
type Notifier interface {
	Notify(n domain.Notification)
}

// EventStore persists the event log and the cumulative scores. Writes
// are best-effort; in-memory state is authoritative.
type EventStore interface {
	SaveEvent(ctx context.Context, e *domain.EngagementEvent) error
	SaveUserScore(ctx context.Context, userID string, score int64) error
	DeleteEventsBefore(ctx context.Context, communityID string, cutoff time.Time) error
	DeleteUserEvents(ctx context.Context, userID string) error
}

// userScore is a user's cumulative score under its own lock. Operations
// on one user's score never block another user's.
type userScore struct {
	mu    sync.Mutex
	score int64
}

// Engine consumes interaction events and maintains per-user engagement
// scores and levels. Scores are monotonic under normal operation; only an
// explicit user deletion resets one.
type Engine struct {
	cfg      *config.EngagementConfig
	notifier Notifier
	store    EventStore
	logger   *slog.Logger

	mu    sync.RWMutex
	users map[string]*userScore

	// log holds the ephemeral event records still inside the retention
	// window. Purging the log never touches the scores it produced.
	logMu sync.Mutex
	log   []domain.EngagementEvent

	now func() time.Time
}

// NewEngine creates a scoring engine.
func NewEngine(cfg *config.EngagementConfig, notifier Notifier, store EventStore, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		notifier: notifier,
		store:    store,
		logger:   logger,
		users:    make(map[string]*userScore),
		now:      time.Now,
	}
}

// RecordEvent appends an event and atomically adds its weight to the
// user's persistent score. One LevelUp notification is emitted per level
// boundary crossed, even when a single event crosses several.
func (e *Engine) RecordEvent(ctx context.Context, userID, communityID string, kind domain.EventKind) error {
	weight := e.cfg.Weights[string(kind)]

	event := domain.EngagementEvent{
		UserID:      userID,
		CommunityID: communityID,
		Kind:        kind,
		Weight:      weight,
		Timestamp:   e.now(),
	}

	us := e.user(userID)
	us.mu.Lock()
	oldLevel := DeriveLevel(us.score, e.cfg.LevelThresholds)
	us.score += weight
	newScore := us.score
	newLevel := DeriveLevel(us.score, e.cfg.LevelThresholds)
	// Persist while still holding the user's lock so concurrent events
	// for the same user reach the store in score order. A stale write
	// landing last would silently regress the durable score.
	if e.store != nil {
		if err := e.store.SaveUserScore(ctx, userID, newScore); err != nil {
			e.logger.Warn("failed to persist score", "user_id", userID, "error", err)
		}
	}
	us.mu.Unlock()

	e.logMu.Lock()
	e.log = append(e.log, event)
	e.logMu.Unlock()

	if e.store != nil {
		if err := e.store.SaveEvent(ctx, &event); err != nil {
			e.logger.Warn("failed to persist engagement event", "user_id", userID, "error", err)
		}
	}

	for level := oldLevel + 1; level <= newLevel; level++ {
		e.notifyLevelUp(userID, communityID, level, newScore)
	}
	return nil
}

// Score returns a user's cumulative score and derived level.
func (e *Engine) Score(userID string) (int64, int) {
	us := e.user(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.score, DeriveLevel(us.score, e.cfg.LevelThresholds)
}

// SetScore seeds a user's score, used when recovering state from the
// store on startup.
func (e *Engine) SetScore(userID string, score int64) {
	us := e.user(userID)
	us.mu.Lock()
	us.score = score
	us.mu.Unlock()
}

// PurgeEventsBefore drops event records older than the cutoff for one
// community. Scores already accrued are untouched: the log is an input,
// not replayable history.
func (e *Engine) PurgeEventsBefore(ctx context.Context, communityID string, cutoff time.Time) int {
	e.logMu.Lock()
	kept := e.log[:0]
	purged := 0
	for _, event := range e.log {
		if event.CommunityID == communityID && event.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, event)
	}
	e.log = kept
	e.logMu.Unlock()

	if e.store != nil {
		if err := e.store.DeleteEventsBefore(ctx, communityID, cutoff); err != nil {
			e.logger.Warn("failed to purge events from store", "community_id", communityID, "error", err)
		}
	}
	return purged
}

// DeleteUser removes a user's score and events entirely. This is the only
// path that reduces a score to zero.
func (e *Engine) DeleteUser(ctx context.Context, userID string) {
	e.mu.Lock()
	delete(e.users, userID)
	e.mu.Unlock()

	e.logMu.Lock()
	kept := e.log[:0]
	for _, event := range e.log {
		if event.UserID == userID {
			continue
		}
		kept = append(kept, event)
	}
	e.log = kept
	e.logMu.Unlock()

	if e.store != nil {
		if err := e.store.DeleteUserEvents(ctx, userID); err != nil {
			e.logger.Warn("failed to delete user events from store", "user_id", userID, "error", err)
		}
	}
}

// DeleteCommunityEvents removes a community's events. User scores are
// user-owned and survive.
func (e *Engine) DeleteCommunityEvents(ctx context.Context, communityID string) {
	e.logMu.Lock()
	kept := e.log[:0]
	for _, event := range e.log {
		if event.CommunityID == communityID {
			continue
		}
		kept = append(kept, event)
	}
	e.log = kept
	e.logMu.Unlock()

	if e.store != nil {
		if err := e.store.DeleteEventsBefore(ctx, communityID, e.now()); err != nil {
			e.logger.Warn("failed to delete community events from store", "community_id", communityID, "error", err)
		}
	}
}

// Events returns a snapshot of the in-memory event log.
func (e *Engine) Events() []domain.EngagementEvent {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return append([]domain.EngagementEvent(nil), e.log...)
}

func (e *Engine) user(userID string) *userScore {
	e.mu.RLock()
	us, ok := e.users[userID]
	e.mu.RUnlock()
	if ok {
		return us
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if us, ok = e.users[userID]; ok {
		return us
	}
	us = &userScore{}
	e.users[userID] = us
	return us
}

func (e *Engine) notifyLevelUp(userID, communityID string, level int, score int64) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(domain.Notification{
		Type:        domain.NoticeLevelUp,
		CommunityID: communityID,
		Data: domain.LevelUpNotice{
			UserID:      userID,
			CommunityID: communityID,
			Level:       level,
			Score:       score,
		},
		Timestamp: e.now(),
	})
}

// DeriveLevel maps a score onto a level: the number of thresholds at or
// below the score. Monotone by construction since thresholds ascend.
func DeriveLevel(score int64, thresholds []int64) int {
	level := 0
	for _, threshold := range thresholds {
		if score < threshold {
			break
		}
		level++
	}
	return level
}
