package stats

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu   sync.Mutex
	subs []*domain.StatSubmission
}

func (f *fakeSink) OnSubmission(_ context.Context, sub *domain.StatSubmission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeRecorder struct {
	mu    sync.Mutex
	kinds []domain.EventKind
}

func (f *fakeRecorder) RecordEvent(_ context.Context, _, _ string, kind domain.EventKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestValidator() (*Validator, *fakeSink, *fakeRecorder) {
	sink := &fakeSink{}
	recorder := &fakeRecorder{}
	cfg := &config.StatsConfig{
		MaxPerCooldown: 3,
		Cooldown:       5 * time.Minute,
		SanityCeiling:  10000,
	}
	return NewValidator(cfg, sink, recorder, testLogger()), sink, recorder
}

func validPayload() domain.StatPayload {
	return domain.StatPayload{
		UserID:      "alice",
		CommunityID: "guild1",
		Mission:     "extraction",
		Stats: map[string]int64{
			"kills":       12,
			"deaths":      3,
			"shots_fired": 240,
			"shots_hit":   96,
		},
	}
}

func TestSubmit(t *testing.T) {
	v, sink, recorder := newTestValidator()

	sub, err := v.Submit(context.Background(), validPayload())
	require.NoError(t, err)

	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, "alice", sub.UserID)
	assert.Equal(t, "guild1", sub.CommunityID)
	assert.Equal(t, int64(12), sub.Stats["kills"])
	assert.False(t, sub.SubmittedAt.IsZero())

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, []domain.EventKind{domain.EventStatSubmit}, recorder.kinds)
}

func TestSubmit_CopiesStats(t *testing.T) {
	v, sink, _ := newTestValidator()

	payload := validPayload()
	sub, err := v.Submit(context.Background(), payload)
	require.NoError(t, err)

	// Mutating the caller's map must not reach the stored record.
	payload.Stats["kills"] = 9999
	assert.Equal(t, int64(12), sub.Stats["kills"])
	assert.Equal(t, int64(12), sink.subs[0].Stats["kills"])
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *domain.StatPayload)
	}{
		{"missing user", func(p *domain.StatPayload) { p.UserID = "" }},
		{"missing community", func(p *domain.StatPayload) { p.CommunityID = "" }},
		{"missing required field", func(p *domain.StatPayload) { delete(p.Stats, "deaths") }},
		{"negative value", func(p *domain.StatPayload) { p.Stats["kills"] = -1 }},
		{"above sanity ceiling", func(p *domain.StatPayload) { p.Stats["shots_fired"] = 10001 }},
		{"extra field negative", func(p *domain.StatPayload) { p.Stats["assists"] = -5 }},
		{"extra field above ceiling", func(p *domain.StatPayload) { p.Stats["assists"] = 20000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, sink, recorder := newTestValidator()

			payload := validPayload()
			tt.mutate(&payload)

			_, err := v.Submit(context.Background(), payload)
			assert.ErrorIs(t, err, domain.ErrInvalidStat)

			// A rejected payload has no side effects.
			assert.Zero(t, sink.count())
			assert.Empty(t, recorder.kinds)
		})
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	v, sink, _ := newTestValidator()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := v.Submit(ctx, validPayload())
		require.NoError(t, err)
	}

	_, err := v.Submit(ctx, validPayload())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 3, sink.count())

	// Limits are per user: bob is unaffected by alice's burst.
	payload := validPayload()
	payload.UserID = "bob"
	_, err = v.Submit(ctx, payload)
	assert.NoError(t, err)
}

func TestSubmit_InvalidPayloadDoesNotConsumeQuota(t *testing.T) {
	v, _, _ := newTestValidator()
	ctx := context.Background()

	bad := validPayload()
	bad.Stats["kills"] = -1
	for i := 0; i < 10; i++ {
		_, err := v.Submit(ctx, bad)
		require.ErrorIs(t, err, domain.ErrInvalidStat)
	}

	// The full burst is still available.
	for i := 0; i < 3; i++ {
		_, err := v.Submit(ctx, validPayload())
		require.NoError(t, err)
	}
}

func TestForgetUser(t *testing.T) {
	v, _, _ := newTestValidator()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := v.Submit(ctx, validPayload())
		require.NoError(t, err)
	}
	_, err := v.Submit(ctx, validPayload())
	require.ErrorIs(t, err, domain.ErrRateLimited)

	// Dropping the limiter state resets the bucket.
	v.ForgetUser("alice")
	_, err = v.Submit(ctx, validPayload())
	assert.NoError(t, err)
}
