package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/squadnet/internal/config"
)

// SessionSweeper is the session manager surface the scheduler drives.
type SessionSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) int
	PurgeTerminal(ctx context.Context, cutoff time.Time) int
	RemoveUser(ctx context.Context, userID string)
	RemoveCommunity(ctx context.Context, communityID string)
}

// BoardPurger is the aggregator surface the scheduler drives.
type BoardPurger interface {
	PurgeBefore(ctx context.Context, communityID string, cutoff time.Time) int
	RemoveUser(ctx context.Context, userID string)
	RemoveCommunity(ctx context.Context, communityID string)
	Communities() []string
}

// EventPurger is the scoring engine surface the scheduler drives.
type EventPurger interface {
	PurgeEventsBefore(ctx context.Context, communityID string, cutoff time.Time) int
	DeleteUser(ctx context.Context, userID string)
	DeleteCommunityEvents(ctx context.Context, communityID string)
}

// IdentityPurger removes identity records at the tail of a cascade.
type IdentityPurger interface {
	Communities() []string
	DeleteUser(ctx context.Context, id string)
	DeleteCommunity(ctx context.Context, id string)
}

// CooldownPurger drops per-user throttle state.
type CooldownPurger interface {
	ForgetUser(userID string)
}

// Scheduler runs the periodic retention sweep: ephemeral records older
// than the retention window are purged, persistent identifiers and
// accrued scores are left intact.
type Scheduler struct {
	cfg       *config.RetentionConfig
	sessions  SessionSweeper
	boards    BoardPurger
	events    EventPurger
	identity  IdentityPurger
	cooldowns CooldownPurger
	logger    *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool

	now func() time.Time
}

// NewScheduler creates a retention scheduler.
func NewScheduler(
	cfg *config.RetentionConfig,
	sessions SessionSweeper,
	boards BoardPurger,
	events EventPurger,
	identity IdentityPurger,
	cooldowns CooldownPurger,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		sessions:  sessions,
		boards:    boards,
		events:    events,
		identity:  identity,
		cooldowns: cooldowns,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins the background sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("retention scheduler started", "interval", s.cfg.Interval, "window", s.cfg.Window)

	go s.run(ctx)
	return nil
}

// Stop stops the background sweep loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("retention scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx, s.now())
		}
	}
}

// Sweep runs one retention pass. A failure in one community never aborts
// the others; a failed community is retried on the next tick, not
// immediately.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	start := s.now()
	cutoff := now.Add(-s.cfg.Window)

	expired := s.sessions.SweepExpired(ctx, now)
	purgedSessions := s.sessions.PurgeTerminal(ctx, cutoff)

	communities := s.communities()
	purgedSubs := 0
	purgedEvents := 0
	failed := 0
	for _, communityID := range communities {
		if err := s.sweepCommunity(ctx, communityID, cutoff, &purgedSubs, &purgedEvents); err != nil {
			s.logger.Error("community sweep failed", "community_id", communityID, "error", err)
			failed++
		}
	}

	s.logger.Info("retention sweep completed",
		"duration", s.now().Sub(start),
		"expired_sessions", expired,
		"purged_sessions", purgedSessions,
		"purged_submissions", purgedSubs,
		"purged_events", purgedEvents,
		"failed_communities", failed,
	)
}

// sweepCommunity purges one community's ephemeral records. A panic from
// a broken record is contained here so the sweep continues elsewhere.
func (s *Scheduler) sweepCommunity(ctx context.Context, communityID string, cutoff time.Time, subs, events *int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()

	*subs += s.boards.PurgeBefore(ctx, communityID, cutoff)
	*events += s.events.PurgeEventsBefore(ctx, communityID, cutoff)
	return nil
}

// DeleteUser honors an explicit deletion request: sessions, submissions,
// events, throttle state, then the identity record, children first.
func (s *Scheduler) DeleteUser(ctx context.Context, userID string) {
	s.logger.Info("deleting user", "user_id", userID)
	s.sessions.RemoveUser(ctx, userID)
	s.boards.RemoveUser(ctx, userID)
	s.events.DeleteUser(ctx, userID)
	s.cooldowns.ForgetUser(userID)
	s.identity.DeleteUser(ctx, userID)
}

// DeleteCommunity removes a tenant and everything it owns. User scores
// are user-owned and survive.
func (s *Scheduler) DeleteCommunity(ctx context.Context, communityID string) {
	s.logger.Info("deleting community", "community_id", communityID)
	s.sessions.RemoveCommunity(ctx, communityID)
	s.boards.RemoveCommunity(ctx, communityID)
	s.events.DeleteCommunityEvents(ctx, communityID)
	s.identity.DeleteCommunity(ctx, communityID)
}

// communities merges the registry's tenants with any community that has
// leaderboard state.
func (s *Scheduler) communities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range s.identity.Communities() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range s.boards.Communities() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return fmt.Sprintf("sweep panic: %v", p.v) }
