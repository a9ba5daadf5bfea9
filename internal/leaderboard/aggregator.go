package leaderboard

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
)

// Mirror keeps an external ranked copy of the primary-stat totals (the
// Redis sorted set) in lockstep with the authoritative in-memory view.
// Mirror failures are logged, never surfaced.
type Mirror interface {
	SetMemberScore(ctx context.Context, communityID, userID string, score int64) error
	RemoveMember(ctx context.Context, communityID, userID string) error
	RemoveBoard(ctx context.Context, communityID string) error
}

// SubmissionStore persists submission records.
type SubmissionStore interface {
	SaveSubmission(ctx context.Context, s *domain.StatSubmission) error
	DeleteSubmission(ctx context.Context, id string) error
}

// userAggregate folds one user's non-purged submissions. sums, maxs and
// count carry enough to apply any configured reducer incrementally; a
// purge recomputes from the surviving submissions instead.
type userAggregate struct {
	sums    map[string]int64
	maxs    map[string]int64
	count   int64
	firstAt time.Time
}

// board is one community's ranked view, mutated under its own lock since
// every submission and purge for the community contends on the ranking.
type board struct {
	mu          sync.Mutex
	users       map[string]*userAggregate
	submissions map[string]*domain.StatSubmission
	ranked      []domain.LeaderboardEntry
}

// Aggregator maintains per-community ranked leaderboards as materialized
// views over non-purged submissions.
type Aggregator struct {
	cfg    *config.LeaderboardConfig
	mirror Mirror
	store  SubmissionStore
	logger *slog.Logger

	mu     sync.RWMutex
	boards map[string]*board
}

// NewAggregator creates an aggregator.
func NewAggregator(cfg *config.LeaderboardConfig, mirror Mirror, store SubmissionStore, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		mirror: mirror,
		store:  store,
		logger: logger,
		boards: make(map[string]*board),
	}
}

// OnSubmission folds a validated submission into the affected user's
// aggregate and re-ranks. Only that user's aggregate changes.
func (a *Aggregator) OnSubmission(ctx context.Context, sub *domain.StatSubmission) {
	b := a.board(sub.CommunityID)

	b.mu.Lock()
	b.submissions[sub.ID] = sub

	agg, ok := b.users[sub.UserID]
	if !ok {
		agg = &userAggregate{
			sums:    make(map[string]int64),
			maxs:    make(map[string]int64),
			firstAt: sub.SubmittedAt,
		}
		b.users[sub.UserID] = agg
	}
	if sub.SubmittedAt.Before(agg.firstAt) {
		agg.firstAt = sub.SubmittedAt
	}
	for field, value := range sub.Stats {
		agg.sums[field] += value
		if value > agg.maxs[field] {
			agg.maxs[field] = value
		}
	}
	agg.count++

	a.rerankLocked(b)
	primary := a.reduce(agg, a.cfg.PrimaryStat)
	b.mu.Unlock()

	if a.store != nil {
		if err := a.store.SaveSubmission(ctx, sub); err != nil {
			a.logger.Warn("failed to persist submission", "submission_id", sub.ID, "error", err)
		}
	}
	a.mirrorSet(ctx, sub.CommunityID, sub.UserID, primary)
}

// OnPurge removes exactly one submission's contribution, recomputing the
// affected user's aggregate from their surviving submissions and
// re-ranking. No other user's aggregate changes.
func (a *Aggregator) OnPurge(ctx context.Context, sub *domain.StatSubmission) {
	b := a.board(sub.CommunityID)

	b.mu.Lock()
	if _, ok := b.submissions[sub.ID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.submissions, sub.ID)
	gone := a.recomputeUserLocked(b, sub.UserID)
	a.rerankLocked(b)
	var primary int64
	if !gone {
		primary = a.reduce(b.users[sub.UserID], a.cfg.PrimaryStat)
	}
	b.mu.Unlock()

	if a.store != nil {
		if err := a.store.DeleteSubmission(ctx, sub.ID); err != nil {
			a.logger.Warn("failed to delete submission from store", "submission_id", sub.ID, "error", err)
		}
	}
	if gone {
		a.mirrorRemove(ctx, sub.CommunityID, sub.UserID)
	} else {
		a.mirrorSet(ctx, sub.CommunityID, sub.UserID, primary)
	}
}

// Query returns the top-limit ranked entries. Pure, idempotent read.
func (a *Aggregator) Query(communityID string, limit int) []domain.LeaderboardEntry {
	if limit <= 0 {
		limit = a.cfg.DefaultLimit
	}
	if limit > a.cfg.MaxLimit {
		limit = a.cfg.MaxLimit
	}

	b := a.board(communityID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit > len(b.ranked) {
		limit = len(b.ranked)
	}
	out := make([]domain.LeaderboardEntry, limit)
	for i := range out {
		entry := b.ranked[i]
		entry.Totals = copyTotals(entry.Totals)
		out[i] = entry
	}
	return out
}

// PurgeBefore removes every submission in a community older than the
// cutoff, applying OnPurge semantics per submission. Returns the number
// purged.
func (a *Aggregator) PurgeBefore(ctx context.Context, communityID string, cutoff time.Time) int {
	b := a.board(communityID)

	b.mu.Lock()
	var stale []*domain.StatSubmission
	for _, sub := range b.submissions {
		if sub.SubmittedAt.Before(cutoff) {
			stale = append(stale, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range stale {
		a.OnPurge(ctx, sub)
	}
	return len(stale)
}

// RemoveUser drops all of a user's submissions in every community, part
// of an explicit deletion cascade.
func (a *Aggregator) RemoveUser(ctx context.Context, userID string) {
	a.mu.RLock()
	ids := make([]string, 0, len(a.boards))
	for id := range a.boards {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	for _, communityID := range ids {
		b := a.board(communityID)
		b.mu.Lock()
		var owned []*domain.StatSubmission
		for _, sub := range b.submissions {
			if sub.UserID == userID {
				owned = append(owned, sub)
			}
		}
		b.mu.Unlock()
		for _, sub := range owned {
			a.OnPurge(ctx, sub)
		}
	}
}

// RemoveCommunity drops a community's board entirely.
func (a *Aggregator) RemoveCommunity(ctx context.Context, communityID string) {
	a.mu.Lock()
	b, ok := a.boards[communityID]
	delete(a.boards, communityID)
	a.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	ids := make([]string, 0, len(b.submissions))
	for id := range b.submissions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	if a.store != nil {
		for _, id := range ids {
			if err := a.store.DeleteSubmission(ctx, id); err != nil {
				a.logger.Warn("failed to delete submission from store", "submission_id", id, "error", err)
			}
		}
	}
	if a.mirror != nil {
		if err := a.mirror.RemoveBoard(ctx, communityID); err != nil {
			a.logger.Warn("failed to drop leaderboard mirror", "community_id", communityID, "error", err)
		}
	}
}

// Communities lists every community with a board.
func (a *Aggregator) Communities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.boards))
	for id := range a.boards {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *Aggregator) board(communityID string) *board {
	a.mu.RLock()
	b, ok := a.boards[communityID]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok = a.boards[communityID]; ok {
		return b
	}
	b = &board{
		users:       make(map[string]*userAggregate),
		submissions: make(map[string]*domain.StatSubmission),
	}
	a.boards[communityID] = b
	return b
}

// recomputeUserLocked rebuilds one user's aggregate from their surviving
// submissions. Returns true when the user has none left. Caller holds b.mu.
func (a *Aggregator) recomputeUserLocked(b *board, userID string) bool {
	agg := &userAggregate{
		sums: make(map[string]int64),
		maxs: make(map[string]int64),
	}
	for _, sub := range b.submissions {
		if sub.UserID != userID {
			continue
		}
		if agg.count == 0 || sub.SubmittedAt.Before(agg.firstAt) {
			agg.firstAt = sub.SubmittedAt
		}
		for field, value := range sub.Stats {
			agg.sums[field] += value
			if value > agg.maxs[field] {
				agg.maxs[field] = value
			}
		}
		agg.count++
	}
	if agg.count == 0 {
		delete(b.users, userID)
		return true
	}
	b.users[userID] = agg
	return false
}

// rerankLocked rebuilds the ranked slice: primary stat descending, ties
// by earliest first submission, then user ID. Caller holds b.mu.
func (a *Aggregator) rerankLocked(b *board) {
	type row struct {
		userID  string
		primary int64
		firstAt time.Time
		totals  map[string]int64
	}
	rows := make([]row, 0, len(b.users))
	for userID, agg := range b.users {
		totals := make(map[string]int64, len(agg.sums))
		for field := range agg.sums {
			totals[field] = a.reduce(agg, field)
		}
		rows = append(rows, row{
			userID:  userID,
			primary: a.reduce(agg, a.cfg.PrimaryStat),
			firstAt: agg.firstAt,
			totals:  totals,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].primary != rows[j].primary {
			return rows[i].primary > rows[j].primary
		}
		if !rows[i].firstAt.Equal(rows[j].firstAt) {
			return rows[i].firstAt.Before(rows[j].firstAt)
		}
		return rows[i].userID < rows[j].userID
	})

	b.ranked = b.ranked[:0]
	for i, r := range rows {
		b.ranked = append(b.ranked, domain.LeaderboardEntry{
			Rank:    int64(i + 1),
			UserID:  r.userID,
			Primary: r.primary,
			Totals:  r.totals,
		})
	}
}

// reduce applies the configured reducer for a field to an aggregate.
func (a *Aggregator) reduce(agg *userAggregate, field string) int64 {
	if agg == nil || agg.count == 0 {
		return 0
	}
	switch domain.Reducer(a.cfg.Reducers[field]) {
	case domain.ReducerMax:
		return agg.maxs[field]
	case domain.ReducerAvg:
		return agg.sums[field] / agg.count
	default:
		return agg.sums[field]
	}
}

func (a *Aggregator) mirrorSet(ctx context.Context, communityID, userID string, score int64) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.SetMemberScore(ctx, communityID, userID, score); err != nil {
		a.logger.Warn("failed to update leaderboard mirror", "community_id", communityID, "user_id", userID, "error", err)
	}
}

func (a *Aggregator) mirrorRemove(ctx context.Context, communityID, userID string) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.RemoveMember(ctx, communityID, userID); err != nil {
		a.logger.Warn("failed to remove user from leaderboard mirror", "community_id", communityID, "user_id", userID, "error", err)
	}
}

func copyTotals(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
