package retention

import (
	"context"
	"io"
	"log/slog"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	scheduler *Scheduler
	registry  *identity.Registry
	squads    *squad.Manager
	boards    *leaderboard.Aggregator
	engine    *engagement.Engine
	validator *stats.Validator
}

func newFixture() *fixture {
	logger := testLogger()
	cfg := config.DefaultConfig()

	engine := engagement.NewEngine(&cfg.Engagement, nil, nil, logger)
	registry := identity.NewRegistry(nil, cfg.Squad.SessionTTL, logger)
	boards := leaderboard.NewAggregator(&cfg.Leaderboard, nil, nil, logger)
	squads := squad.NewManager(&cfg.Squad, engine, nil, nil, logger)
	validator := stats.NewValidator(&cfg.Stats, boards, engine, logger)

	return &fixture{
		scheduler: NewScheduler(&cfg.Retention, squads, boards, engine, registry, validator, logger),
		registry:  registry,
		squads:    squads,
		boards:    boards,
		engine:    engine,
		validator: validator,
	}
}

func submission(id, userID string, at time.Time, kills int64) *domain.StatSubmission {
	return &domain.StatSubmission{
		ID:          id,
		UserID:      userID,
		CommunityID: "guild1",
		Stats:       map[string]int64{"kills": kills},
		SubmittedAt: at,
	}
}

func TestSweep_PurgesOldRecords(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now()

	f.registry.EnsureCommunity(ctx, "guild1", "")

	// 5 kills from 40 days ago age out; 10 recent kills stay.
	f.boards.OnSubmission(ctx, submission("old", "alice", now.Add(-40*24*time.Hour), 5))
	f.boards.OnSubmission(ctx, submission("new", "alice", now, 10))

	f.scheduler.Sweep(ctx, now)

	ranked := f.boards.Query("guild1", 10)
	require.Len(t, ranked, 1)
	assert.Equal(t, int64(10), ranked[0].Primary)
}

func TestSweep_ScoresSurviveEventPurge(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	current := time.Now()
	f.engine.SetScore("alice", 0)
	require.NoError(t, f.engine.RecordEvent(ctx, "alice", "guild1", domain.EventSquadComplete))
	f.registry.EnsureCommunity(ctx, "guild1", "")

	f.scheduler.Sweep(ctx, current.Add(40*24*time.Hour))

	assert.Empty(t, f.engine.Events())
	score, _ := f.engine.Score("alice")
	assert.Equal(t, int64(25), score)
}

func TestSweep_ExpiresAndPurgesSessions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now()

	open, err := f.squads.CreateSession(ctx, domain.CreateSessionRequest{CommunityID: "guild1", LeaderID: "alice"})
	require.NoError(t, err)

	// First sweep a day later: past the 1h TTL, the session expires.
	f.scheduler.Sweep(ctx, now.Add(24*time.Hour))
	got, err := f.squads.Get(open.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, got.State)

	// A sweep past the retention window deletes the terminal record.
	f.scheduler.Sweep(ctx, now.Add(31*24*time.Hour))
	_, err = f.squads.Get(open.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestDeleteUser_Cascades(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now()

	f.registry.UpsertUser(ctx, "alice", "Alice")
	f.boards.OnSubmission(ctx, submission("s1", "alice", now, 5))
	require.NoError(t, f.engine.RecordEvent(ctx, "alice", "guild1", domain.EventStatSubmit))
	_, err := f.squads.CreateSession(ctx, domain.CreateSessionRequest{CommunityID: "guild1", LeaderID: "alice"})
	require.NoError(t, err)

	f.scheduler.DeleteUser(ctx, "alice")

	assert.Empty(t, f.boards.Query("guild1", 10))
	assert.Empty(t, f.engine.Events())
	score, _ := f.engine.Score("alice")
	assert.Equal(t, int64(0), score)
	assert.Empty(t, f.squads.ListOpen("guild1"))
	_, err = f.registry.GetUser("alice")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestDeleteCommunity_ScoresSurvive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now()

	f.registry.EnsureCommunity(ctx, "guild1", "")
	f.registry.UpsertUser(ctx, "alice", "Alice")
	f.boards.OnSubmission(ctx, submission("s1", "alice", now, 5))
	require.NoError(t, f.engine.RecordEvent(ctx, "alice", "guild1", domain.EventStatSubmit))

	f.scheduler.DeleteCommunity(ctx, "guild1")

	assert.Empty(t, f.boards.Query("guild1", 10))
	assert.Empty(t, f.engine.Events())
	_, err := f.registry.GetCommunity("guild1")
	assert.ErrorIs(t, err, domain.ErrCommunityNotFound)

	// Engagement scores are user-owned, not community-owned.
	score, _ := f.engine.Score("alice")
	assert.Equal(t, int64(10), score)
	_, err = f.registry.GetUser("alice")
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.scheduler.Start(context.Background()))
	assert.True(t, f.scheduler.IsRunning())

	// Duplicate start is a no-op.
	require.NoError(t, f.scheduler.Start(context.Background()))

	require.NoError(t, f.scheduler.Stop())
	assert.False(t, f.scheduler.IsRunning())
}

// panicBoards wraps the real aggregator but blows up for one community.
type panicBoards struct {
	*leaderboard.Aggregator
	poison string
}

func (p *panicBoards) PurgeBefore(ctx context.Context, communityID string, cutoff time.Time) int {
	if communityID == p.poison {
		panic("corrupt board")
	}
	return p.Aggregator.PurgeBefore(ctx, communityID, cutoff)
}

func TestSweep_IsolatesCommunityFailure(t *testing.T) {
	logger := testLogger()
	cfg := config.DefaultConfig()
	now := time.Now()
	ctx := context.Background()

	engine := engagement.NewEngine(&cfg.Engagement, nil, nil, logger)
	registry := identity.NewRegistry(nil, cfg.Squad.SessionTTL, logger)
	boards := leaderboard.NewAggregator(&cfg.Leaderboard, nil, nil, logger)
	squads := squad.NewManager(&cfg.Squad, engine, nil, nil, logger)
	validator := stats.NewValidator(&cfg.Stats, boards, engine, logger)

	poisoned := &panicBoards{Aggregator: boards, poison: "broken"}
	scheduler := NewScheduler(&cfg.Retention, squads, poisoned, engine, registry, validator, logger)

	registry.EnsureCommunity(ctx, "broken", "")
	registry.EnsureCommunity(ctx, "healthy", "")

	old := submission("old", "alice", now.Add(-40*24*time.Hour), 5)
	old.CommunityID = "healthy"
	boards.OnSubmission(ctx, old)

	// The poisoned community panics; the healthy one still gets swept.
	scheduler.Sweep(ctx, now)
	assert.Empty(t, boards.Query("healthy", 10))
}
