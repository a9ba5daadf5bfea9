package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
)

// Mirror keeps each community's primary-stat totals in a Redis sorted
// set. The in-memory aggregator is authoritative; the mirror serves
// cheap rank lookups and survives restarts of downstream consumers.
type Mirror struct {
	client *redis.Client
	logger *slog.Logger
}

// NewMirror creates a Redis mirror.
func NewMirror(cfg *config.RedisConfig, logger *slog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Mirror{client: client, logger: logger}, nil
}

// Close closes the Redis connection
func (m *Mirror) Close() error {
	return m.client.Close()
}

// boardKey returns the sorted-set key for a community's ranked totals
func (m *Mirror) boardKey(communityID string) string {
	return fmt.Sprintf("leaderboard:%s:primary", communityID)
}

// SetMemberScore writes a user's primary-stat total.
func (m *Mirror) SetMemberScore(ctx context.Context, communityID, userID string, score int64) error {
	key := m.boardKey(communityID)
	if err := m.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(score),
		Member: userID,
	}).Err(); err != nil {
		return fmt.Errorf("setting member score: %w", err)
	}
	return nil
}

// RemoveMember drops a user from a community's mirror.
func (m *Mirror) RemoveMember(ctx context.Context, communityID, userID string) error {
	key := m.boardKey(communityID)
	if err := m.client.ZRem(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	return nil
}

// RemoveBoard deletes a community's mirror entirely.
func (m *Mirror) RemoveBoard(ctx context.Context, communityID string) error {
	key := m.boardKey(communityID)
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("removing board: %w", err)
	}
	return nil
}

// TopN returns the top N mirrored totals, descending. Rank-only entries:
// the full per-field totals live in the aggregator.
func (m *Mirror) TopN(ctx context.Context, communityID string, n int) ([]domain.LeaderboardEntry, error) {
	key := m.boardKey(communityID)
	results, err := m.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Rank:    int64(i + 1),
			UserID:  result.Member.(string),
			Primary: int64(result.Score),
		}
	}
	return entries, nil
}

// MemberRank returns a user's mirrored rank and total.
func (m *Mirror) MemberRank(ctx context.Context, communityID, userID string) (*domain.LeaderboardEntry, error) {
	key := m.boardKey(communityID)

	pipe := m.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, key, userID)
	scoreCmd := pipe.ZScore(ctx, key, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		if err == redis.Nil {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting member rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}
	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	return &domain.LeaderboardEntry{
		Rank:    rank + 1,
		UserID:  userID,
		Primary: int64(score),
	}, nil
}
