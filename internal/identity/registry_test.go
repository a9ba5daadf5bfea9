package identity

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/squadnet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	return NewRegistry(nil, time.Hour, testLogger())
}

func TestUpsertUser(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	current := time.Now()
	r.now = func() time.Time { return current }

	u := r.UpsertUser(ctx, "alice", "Alice")
	assert.Equal(t, "alice", u.ID)
	assert.Equal(t, "Alice", u.Name)
	assert.Equal(t, current, u.RegisteredAt)
	assert.Equal(t, current, u.LastActive)

	// Upsert refreshes activity and may rename, but registration sticks.
	current = current.Add(time.Hour)
	u = r.UpsertUser(ctx, "alice", "Alicia")
	assert.Equal(t, "Alicia", u.Name)
	assert.Equal(t, current, u.LastActive)
	assert.Equal(t, current.Add(-time.Hour), u.RegisteredAt)

	// An empty name keeps the existing one.
	u = r.UpsertUser(ctx, "alice", "")
	assert.Equal(t, "Alicia", u.Name)
}

func TestGetUser(t *testing.T) {
	r := newTestRegistry()
	r.UpsertUser(context.Background(), "alice", "Alice")

	u, err := r.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)

	_, err = r.GetUser("nobody")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestEnsureCommunity(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	c := r.EnsureCommunity(ctx, "guild1", "The Guild")
	assert.Equal(t, "guild1", c.ID)
	assert.Equal(t, "The Guild", c.Name)
	assert.Equal(t, time.Hour, c.SessionTTL)

	// Ensure is idempotent.
	again := r.EnsureCommunity(ctx, "guild1", "")
	assert.Equal(t, c.CreatedAt, again.CreatedAt)
	assert.Equal(t, "The Guild", again.Name)

	got, err := r.GetCommunity("guild1")
	require.NoError(t, err)
	assert.Equal(t, "guild1", got.ID)

	_, err = r.GetCommunity("nowhere")
	assert.ErrorIs(t, err, domain.ErrCommunityNotFound)
}

func TestDelete(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	r.UpsertUser(ctx, "alice", "Alice")
	r.EnsureCommunity(ctx, "guild1", "The Guild")

	r.DeleteUser(ctx, "alice")
	_, err := r.GetUser("alice")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	r.DeleteCommunity(ctx, "guild1")
	_, err = r.GetCommunity("guild1")
	assert.ErrorIs(t, err, domain.ErrCommunityNotFound)
	assert.Empty(t, r.Communities())
}
