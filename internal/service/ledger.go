package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
	"github.com/squadnet/internal/engagement"
	"github.com/squadnet/internal/identity"
	"github.com/squadnet/internal/leaderboard"
	"github.com/squadnet/internal/squad"
	"github.com/squadnet/internal/stats"
)

// Notifier pushes notifications to the gateway.
type Notifier interface {
	Notify(n domain.Notification)
}

// RankReader serves cheap rank lookups from the Redis mirror. Optional:
// without one, rank queries fall back to the authoritative view.
type RankReader interface {
	MemberRank(ctx context.Context, communityID, userID string) (*domain.LeaderboardEntry, error)
	TopN(ctx context.Context, communityID string, n int) ([]domain.LeaderboardEntry, error)
}

// CommandContext carries the identity fields every gateway command has.
type CommandContext struct {
	IdempotencyKey string `json:"idempotency_key"`
	CommunityID    string `json:"community_id"`
	CommunityName  string `json:"community_name,omitempty"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
}

// outcome is the memoized result of an idempotency-keyed command.
// Replaying the key returns it instead of re-applying the command.
type outcome struct {
	ready   chan struct{}
	session *domain.SquadSession
	sub     *domain.StatSubmission
	err     error
	at      time.Time
}

// Ledger fronts the core components for the gateway: it resolves
// identities, absorbs duplicate command delivery, and fans results out
// as notifications.
type Ledger struct {
	registry  *identity.Registry
	squads    *squad.Manager
	validator *stats.Validator
	boards    *leaderboard.Aggregator
	engine    *engagement.Engine
	ranks     RankReader
	notifier  Notifier
	cfg       *config.Config
	logger    *slog.Logger

	mu       sync.Mutex
	outcomes map[string]*outcome

	now func() time.Time
}

// NewLedger creates the command service.
func NewLedger(
	registry *identity.Registry,
	squads *squad.Manager,
	validator *stats.Validator,
	boards *leaderboard.Aggregator,
	engine *engagement.Engine,
	ranks RankReader,
	notifier Notifier,
	cfg *config.Config,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		registry:  registry,
		squads:    squads,
		validator: validator,
		boards:    boards,
		engine:    engine,
		ranks:     ranks,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		outcomes:  make(map[string]*outcome),
		now:       time.Now,
	}
}

// CreateSquad opens a squad session for the leader.
func (l *Ledger) CreateSquad(ctx context.Context, cmd CommandContext, mission, notes string) (*domain.SquadSession, error) {
	return l.sessionCommand(ctx, cmd.IdempotencyKey, func(ctx context.Context) (*domain.SquadSession, error) {
		l.touch(ctx, cmd)
		return l.squads.CreateSession(ctx, domain.CreateSessionRequest{
			CommunityID: cmd.CommunityID,
			LeaderID:    cmd.UserID,
			Mission:     mission,
			Notes:       notes,
		})
	})
}

// JoinSquad adds the user to an open session.
func (l *Ledger) JoinSquad(ctx context.Context, cmd CommandContext, sessionID string) (*domain.SquadSession, error) {
	return l.sessionCommand(ctx, cmd.IdempotencyKey, func(ctx context.Context) (*domain.SquadSession, error) {
		l.touch(ctx, cmd)
		return l.squads.Join(ctx, sessionID, cmd.UserID)
	})
}

// LeaveSquad removes the user from a session.
func (l *Ledger) LeaveSquad(ctx context.Context, cmd CommandContext, sessionID string) (*domain.SquadSession, error) {
	return l.sessionCommand(ctx, cmd.IdempotencyKey, func(ctx context.Context) (*domain.SquadSession, error) {
		l.touch(ctx, cmd)
		return l.squads.Leave(ctx, sessionID, cmd.UserID)
	})
}

// CancelSquad cancels a session on the leader's behalf.
func (l *Ledger) CancelSquad(ctx context.Context, cmd CommandContext, sessionID string) error {
	_, err := l.sessionCommand(ctx, cmd.IdempotencyKey, func(ctx context.Context) (*domain.SquadSession, error) {
		l.touch(ctx, cmd)
		return nil, l.squads.Cancel(ctx, sessionID, cmd.UserID)
	})
	return err
}

// SubmitStats validates and applies a parsed stat payload.
func (l *Ledger) SubmitStats(ctx context.Context, cmd CommandContext, payload domain.StatPayload) (*domain.StatSubmission, error) {
	o, first := l.claim(cmd.IdempotencyKey)
	if !first {
		<-o.ready
		return o.sub, o.err
	}
	defer close(o.ready)

	l.touch(ctx, cmd)
	payload.UserID = cmd.UserID
	payload.CommunityID = cmd.CommunityID
	o.sub, o.err = l.validator.Submit(ctx, payload)
	return o.sub, o.err
}

// IngestStats applies a payload arriving off the stream pipeline. The
// broker already deduplicates by offset, so no idempotency key applies.
func (l *Ledger) IngestStats(ctx context.Context, payload domain.StatPayload) (*domain.StatSubmission, error) {
	l.registry.EnsureCommunity(ctx, payload.CommunityID, "")
	l.registry.UpsertUser(ctx, payload.UserID, "")
	return l.validator.Submit(ctx, payload)
}

// RecordMessage credits chat activity. Message events arrive in volume
// and carry no idempotency key.
func (l *Ledger) RecordMessage(ctx context.Context, communityID, userID string) {
	l.registry.EnsureCommunity(ctx, communityID, "")
	l.registry.UpsertUser(ctx, userID, "")
	if err := l.engine.RecordEvent(ctx, userID, communityID, domain.EventMessage); err != nil {
		l.logger.Warn("failed to record message event", "user_id", userID, "error", err)
	}
}

// Leaderboard returns the community's ranked view and pushes a snapshot
// notification for subscribers.
func (l *Ledger) Leaderboard(communityID string, limit int) domain.LeaderboardSnapshot {
	snapshot := domain.LeaderboardSnapshot{
		CommunityID: communityID,
		Entries:     l.boards.Query(communityID, limit),
		GeneratedAt: l.now(),
	}
	if l.notifier != nil {
		l.notifier.Notify(domain.Notification{
			Type:        domain.NoticeLeaderboardSnapshot,
			CommunityID: communityID,
			Data:        snapshot,
			Timestamp:   snapshot.GeneratedAt,
		})
	}
	return snapshot
}

// Rank returns a user's position on a community board. Served from the
// mirror when one is configured, otherwise from the authoritative view.
func (l *Ledger) Rank(ctx context.Context, communityID, userID string) (*domain.LeaderboardEntry, error) {
	if l.ranks != nil {
		entry, err := l.ranks.MemberRank(ctx, communityID, userID)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, err
		}
		l.logger.Warn("mirror rank lookup failed, using authoritative view", "community_id", communityID, "error", err)
	}

	for _, entry := range l.boards.Query(communityID, l.cfg.Leaderboard.MaxLimit) {
		if entry.UserID == userID {
			e := entry
			return &e, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

// TopRanks returns a rank-only preview of a community board, sized for
// the gateway's periodic display. Served from the mirror when one is
// configured; mirrored entries carry no per-field totals.
func (l *Ledger) TopRanks(ctx context.Context, communityID string) []domain.LeaderboardEntry {
	n := l.cfg.Leaderboard.SnapshotSize
	if l.ranks != nil {
		entries, err := l.ranks.TopN(ctx, communityID, n)
		if err == nil {
			return entries
		}
		l.logger.Warn("mirror top lookup failed, using authoritative view", "community_id", communityID, "error", err)
	}
	return l.boards.Query(communityID, n)
}

// Level returns a user's record with its current score and level.
func (l *Ledger) Level(userID string) (*domain.User, error) {
	u, err := l.registry.GetUser(userID)
	if err != nil {
		return nil, err
	}
	u.Score, u.Level = l.engine.Score(userID)
	return u, nil
}

// Session returns a session snapshot.
func (l *Ledger) Session(sessionID string) (*domain.SquadSession, error) {
	return l.squads.Get(sessionID)
}

// OpenSessions lists a community's joinable sessions.
func (l *Ledger) OpenSessions(communityID string) []domain.SquadSession {
	return l.squads.ListOpen(communityID)
}

// sessionCommand runs a session-mutating command once per idempotency
// key. Duplicates wait for the original and observe its result.
func (l *Ledger) sessionCommand(ctx context.Context, key string, fn func(context.Context) (*domain.SquadSession, error)) (*domain.SquadSession, error) {
	o, first := l.claim(key)
	if !first {
		<-o.ready
		return o.session, o.err
	}
	defer close(o.ready)

	o.session, o.err = fn(ctx)
	return o.session, o.err
}

// claim registers an idempotency key. The first caller gets an open
// outcome to fill; later callers get the memoized one. An empty key
// opts out of deduplication.
func (l *Ledger) claim(key string) (*outcome, bool) {
	if key == "" {
		return &outcome{ready: make(chan struct{})}, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked()

	if o, ok := l.outcomes[key]; ok {
		return o, false
	}
	o := &outcome{ready: make(chan struct{}), at: l.now()}
	l.outcomes[key] = o
	return o, true
}

// pruneLocked evicts keys past the idempotency TTL. Caller holds l.mu.
func (l *Ledger) pruneLocked() {
	cutoff := l.now().Add(-l.cfg.Server.IdempotencyTTL)
	for key, o := range l.outcomes {
		if o.at.Before(cutoff) {
			delete(l.outcomes, key)
		}
	}
}

// touch resolves the command's identities, creating them on first sight.
func (l *Ledger) touch(ctx context.Context, cmd CommandContext) {
	l.registry.EnsureCommunity(ctx, cmd.CommunityID, cmd.CommunityName)
	l.registry.UpsertUser(ctx, cmd.UserID, cmd.UserName)
}
