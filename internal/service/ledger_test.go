package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
	"github.com/squadnet/internal/engagement"
	"github.com/squadnet/internal/identity"
	"github.com/squadnet/internal/leaderboard"
	"github.com/squadnet/internal/squad"
	"github.com/squadnet/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu      sync.Mutex
	notices []domain.Notification
}

func (f *fakeNotifier) Notify(n domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
}

func (f *fakeNotifier) ofType(noticeType string) []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Notification
	for _, n := range f.notices {
		if n.Type == noticeType {
			out = append(out, n)
		}
	}
	return out
}

func newTestLedger(t *testing.T) (*Ledger, *fakeNotifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	notifier := &fakeNotifier{}

	engine := engagement.NewEngine(&cfg.Engagement, notifier, nil, logger)
	registry := identity.NewRegistry(nil, cfg.Squad.SessionTTL, logger)
	boards := leaderboard.NewAggregator(&cfg.Leaderboard, nil, nil, logger)
	squads := squad.NewManager(&cfg.Squad, engine, notifier, nil, logger)
	validator := stats.NewValidator(&cfg.Stats, boards, engine, logger)

	return NewLedger(registry, squads, validator, boards, engine, nil, notifier, cfg, logger), notifier
}

func cmd(key, userID string) CommandContext {
	return CommandContext{
		IdempotencyKey: key,
		CommunityID:    "guild1",
		CommunityName:  "The Guild",
		UserID:         userID,
	}
}

func TestCreateSquad_RegistersIdentities(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	s, err := l.CreateSquad(ctx, cmd("", "alice"), "extraction", "bring thermals")
	require.NoError(t, err)
	assert.Equal(t, "extraction", s.Mission)

	u, err := l.Level("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)
	assert.Equal(t, int64(5), u.Score) // squad_join weight

	sessions := l.OpenSessions("guild1")
	require.Len(t, sessions, 1)
	assert.Equal(t, s.ID, sessions[0].ID)
}

func TestCreateSquad_IdempotentReplay(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.CreateSquad(ctx, cmd("key-1", "alice"), "extraction", "")
	require.NoError(t, err)

	// A replayed delivery returns the original result without applying
	// the command again.
	replay, err := l.CreateSquad(ctx, cmd("key-1", "alice"), "extraction", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Len(t, l.OpenSessions("guild1"), 1)

	// A genuinely new command with a fresh key hits the duplicate rule.
	_, err = l.CreateSquad(ctx, cmd("key-2", "alice"), "extraction", "")
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveSession)
}

func TestIdempotency_ErrorsReplayToo(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateSquad(ctx, cmd("k1", "alice"), "extraction", "")
	require.NoError(t, err)

	_, firstErr := l.CreateSquad(ctx, cmd("k2", "alice"), "extraction", "")
	require.ErrorIs(t, firstErr, domain.ErrDuplicateActiveSession)

	_, replayErr := l.CreateSquad(ctx, cmd("k2", "alice"), "extraction", "")
	assert.Equal(t, firstErr, replayErr)
}

func TestIdempotency_KeysExpire(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	current := time.Now()
	l.now = func() time.Time { return current }

	_, err := l.CreateSquad(ctx, cmd("k1", "alice"), "extraction", "")
	require.NoError(t, err)

	// Past the TTL the key is forgotten and the command re-applies,
	// now tripping the duplicate-session rule.
	current = current.Add(16 * time.Minute)
	_, err = l.CreateSquad(ctx, cmd("k1", "alice"), "extraction", "")
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveSession)
}

func TestJoinLeaveCancel(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	s, err := l.CreateSquad(ctx, cmd("", "alice"), "extraction", "")
	require.NoError(t, err)

	joined, err := l.JoinSquad(ctx, cmd("", "bob"), s.ID)
	require.NoError(t, err)
	assert.Len(t, joined.Members, 2)

	left, err := l.LeaveSquad(ctx, cmd("", "bob"), s.ID)
	require.NoError(t, err)
	assert.Len(t, left.Members, 1)

	err = l.CancelSquad(ctx, cmd("", "bob"), s.ID)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	require.NoError(t, l.CancelSquad(ctx, cmd("", "alice"), s.ID))
	got, err := l.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, got.State)
}

func TestSubmitStats(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	payload := domain.StatPayload{
		Mission: "extraction",
		Stats: map[string]int64{
			"kills":       8,
			"deaths":      1,
			"shots_fired": 120,
			"shots_hit":   60,
		},
	}

	sub, err := l.SubmitStats(ctx, cmd("sk1", "alice"), payload)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub.UserID)
	assert.Equal(t, "guild1", sub.CommunityID)

	// Replay returns the same record; the board is unchanged.
	replay, err := l.SubmitStats(ctx, cmd("sk1", "alice"), payload)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, replay.ID)

	snapshot := l.Leaderboard("guild1", 10)
	require.Len(t, snapshot.Entries, 1)
	assert.Equal(t, int64(8), snapshot.Entries[0].Primary)

	u, err := l.Level("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Score) // stat_submit weight
}

func TestIngestStats_CreatesIdentities(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	sub, err := l.IngestStats(ctx, domain.StatPayload{
		UserID:      "carol",
		CommunityID: "guild2",
		Stats: map[string]int64{
			"kills":       3,
			"deaths":      2,
			"shots_fired": 40,
			"shots_hit":   10,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "carol", sub.UserID)

	u, err := l.Level("carol")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Score)
}

func TestRecordMessage(t *testing.T) {
	l, _ := newTestLedger(t)
	l.RecordMessage(context.Background(), "guild1", "alice")

	u, err := l.Level("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Score)
}

func TestLeaderboard_PublishesSnapshot(t *testing.T) {
	l, notifier := newTestLedger(t)

	snapshot := l.Leaderboard("guild1", 10)
	assert.Equal(t, "guild1", snapshot.CommunityID)
	assert.Empty(t, snapshot.Entries)

	published := notifier.ofType(domain.NoticeLeaderboardSnapshot)
	require.Len(t, published, 1)
	assert.Equal(t, "guild1", published[0].CommunityID)
}

// fakeDurableStore models the repository's users table contract: SaveUser
// owns the identity columns, SaveUserScore owns the score column.
type fakeDurableStore struct {
	mu     sync.Mutex
	users  map[string]domain.User
	scores map[string]int64
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{
		users:  make(map[string]domain.User),
		scores: make(map[string]int64),
	}
}

func (f *fakeDurableStore) SaveUser(_ context.Context, u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = *u
	return nil
}

func (f *fakeDurableStore) SaveCommunity(context.Context, *domain.Community) error { return nil }

func (f *fakeDurableStore) DeleteUser(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
	delete(f.scores, id)
	return nil
}

func (f *fakeDurableStore) DeleteCommunity(context.Context, string) error { return nil }

func (f *fakeDurableStore) SaveEvent(context.Context, *domain.EngagementEvent) error { return nil }

func (f *fakeDurableStore) SaveUserScore(_ context.Context, userID string, score int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[userID] = score
	return nil
}

func (f *fakeDurableStore) DeleteEventsBefore(context.Context, string, time.Time) error { return nil }
func (f *fakeDurableStore) DeleteUserEvents(context.Context, string) error              { return nil }

func (f *fakeDurableStore) score(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scores[userID]
}

func TestPersistedScoreSurvivesIdentityRefresh(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	store := newFakeDurableStore()
	ctx := context.Background()

	engine := engagement.NewEngine(&cfg.Engagement, nil, store, logger)
	registry := identity.NewRegistry(store, cfg.Squad.SessionTTL, logger)

	require.NoError(t, engine.RecordEvent(ctx, "alice", "guild1", domain.EventStatSubmit))
	require.Equal(t, int64(10), store.score("alice"))

	// A later command refreshes alice's identity record. The accrued
	// score must survive the refresh.
	registry.UpsertUser(ctx, "alice", "Alice")
	assert.Equal(t, int64(10), store.score("alice"))

	// A restart reseeds the engine from the persisted scores.
	recovered := engagement.NewEngine(&cfg.Engagement, nil, store, logger)
	recovered.SetScore("alice", store.score("alice"))
	score, level := recovered.Score("alice")
	assert.Equal(t, int64(10), score)
	assert.Equal(t, 0, level)
}

type fakeRanks struct {
	entries map[string]*domain.LeaderboardEntry
	top     []domain.LeaderboardEntry
	err     error
}

func (f *fakeRanks) MemberRank(_ context.Context, _, userID string) (*domain.LeaderboardEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if e, ok := f.entries[userID]; ok {
		return e, nil
	}
	return nil, domain.ErrUserNotFound
}

func (f *fakeRanks) TopN(_ context.Context, _ string, _ int) ([]domain.LeaderboardEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.top, nil
}

func TestRank_ServedFromMirror(t *testing.T) {
	l, _ := newTestLedger(t)
	l.ranks = &fakeRanks{entries: map[string]*domain.LeaderboardEntry{
		"alice": {Rank: 3, UserID: "alice", Primary: 12},
	}}

	entry, err := l.Rank(context.Background(), "guild1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.Rank)

	_, err = l.Rank(context.Background(), "guild1", "nobody")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestRank_FallsBackWhenMirrorFails(t *testing.T) {
	l, _ := newTestLedger(t)
	l.ranks = &fakeRanks{err: context.DeadlineExceeded}
	ctx := context.Background()

	_, err := l.SubmitStats(ctx, cmd("", "alice"), domain.StatPayload{
		Stats: map[string]int64{domain.StatKills: 7},
	})
	require.NoError(t, err)

	entry, err := l.Rank(ctx, "guild1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Rank)
	assert.Equal(t, int64(7), entry.Primary)
}

func TestTopRanks(t *testing.T) {
	l, _ := newTestLedger(t)
	l.ranks = &fakeRanks{top: []domain.LeaderboardEntry{{Rank: 1, UserID: "bob", Primary: 2}}}

	top := l.TopRanks(context.Background(), "guild1")
	require.Len(t, top, 1)
	assert.Equal(t, "bob", top[0].UserID)

	l.ranks = &fakeRanks{err: context.DeadlineExceeded}
	assert.Empty(t, l.TopRanks(context.Background(), "guild1"))
}

func TestLevel_UnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Level("nobody")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
