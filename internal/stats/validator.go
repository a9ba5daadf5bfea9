package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
	"golang.org/x/time/rate"
)

// Sink receives validated submissions.
type Sink interface {
	OnSubmission(ctx context.Context, sub *domain.StatSubmission)
}

// EventRecorder credits the submitting user with engagement.
type EventRecorder interface {
	RecordEvent(ctx context.Context, userID, communityID string, kind domain.EventKind) error
}

// requiredFields must all be present in a submission; the screenshot
// parser produces them together, so a missing one means corrupt output.
var requiredFields = []string{
	domain.StatKills,
	domain.StatDeaths,
	domain.StatShotsFired,
	domain.StatShotsHit,
}

// Validator checks the shape and range of parsed stat payloads, throttles
// per-user submission spam, and forwards accepted records downstream.
// A rejected payload has no side effects.
type Validator struct {
	cfg    *config.StatsConfig
	sink   Sink
	events EventRecorder
	logger *slog.Logger

	// Per-user token buckets; each user's cooldown is independent.
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	now func() time.Time
}

// NewValidator creates a validator.
func NewValidator(cfg *config.StatsConfig, sink Sink, events EventRecorder, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:      cfg,
		sink:     sink,
		events:   events,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// Submit validates a payload, stamps it, and forwards it to the
// aggregator and the scoring engine.
func (v *Validator) Submit(ctx context.Context, payload domain.StatPayload) (*domain.StatSubmission, error) {
	if payload.UserID == "" || payload.CommunityID == "" {
		return nil, fmt.Errorf("missing identity: %w", domain.ErrInvalidStat)
	}
	for _, field := range requiredFields {
		value, ok := payload.Stats[field]
		if !ok {
			return nil, fmt.Errorf("missing field %q: %w", field, domain.ErrInvalidStat)
		}
		if value < 0 {
			return nil, fmt.Errorf("field %q is negative: %w", field, domain.ErrInvalidStat)
		}
		if value > v.cfg.SanityCeiling {
			return nil, fmt.Errorf("field %q exceeds sanity ceiling %d: %w", field, v.cfg.SanityCeiling, domain.ErrInvalidStat)
		}
	}
	for field, value := range payload.Stats {
		if value < 0 || value > v.cfg.SanityCeiling {
			return nil, fmt.Errorf("field %q out of range: %w", field, domain.ErrInvalidStat)
		}
	}

	if !v.limiter(payload.UserID).Allow() {
		return nil, domain.ErrRateLimited
	}

	sub := &domain.StatSubmission{
		ID:          uuid.NewString(),
		UserID:      payload.UserID,
		CommunityID: payload.CommunityID,
		Mission:     payload.Mission,
		Stats:       copyStats(payload.Stats),
		SubmittedAt: v.now(),
	}

	v.sink.OnSubmission(ctx, sub)
	if err := v.events.RecordEvent(ctx, sub.UserID, sub.CommunityID, domain.EventStatSubmit); err != nil {
		v.logger.Warn("failed to record submission event", "user_id", sub.UserID, "error", err)
	}
	return sub, nil
}

// limiter returns the token bucket for a user, creating one on first use.
func (v *Validator) limiter(userID string) *rate.Limiter {
	v.mu.RLock()
	l, ok := v.limiters[userID]
	v.mu.RUnlock()
	if ok {
		return l
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if l, ok = v.limiters[userID]; ok {
		return l
	}
	l = rate.NewLimiter(
		rate.Limit(float64(v.cfg.MaxPerCooldown)/v.cfg.Cooldown.Seconds()),
		v.cfg.MaxPerCooldown,
	)
	v.limiters[userID] = l
	return l
}

// ForgetUser drops a user's limiter state, part of a deletion cascade.
func (v *Validator) ForgetUser(userID string) {
	v.mu.Lock()
	delete(v.limiters, userID)
	v.mu.Unlock()
}

func copyStats(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
