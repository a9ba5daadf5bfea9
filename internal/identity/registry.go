package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/squadnet/internal/domain"
)

// Store persists identity records. Writes are best-effort.
type Store interface {
	SaveUser(ctx context.Context, u *domain.User) error
	SaveCommunity(ctx context.Context, c *domain.Community) error
	DeleteUser(ctx context.Context, id string) error
	DeleteCommunity(ctx context.Context, id string) error
}

// Registry maps opaque user and community identifiers onto persistent
// records. Pure lookup/upsert, no business logic.
type Registry struct {
	store      Store
	logger     *slog.Logger
	sessionTTL time.Duration

	mu          sync.RWMutex
	users       map[string]*domain.User
	communities map[string]*domain.Community

	now func() time.Time
}

// NewRegistry creates a registry. sessionTTL seeds new communities.
func NewRegistry(store Store, sessionTTL time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:       store,
		logger:      logger,
		sessionTTL:  sessionTTL,
		users:       make(map[string]*domain.User),
		communities: make(map[string]*domain.Community),
		now:         time.Now,
	}
}

// UpsertUser registers or refreshes a user record and marks it active.
func (r *Registry) UpsertUser(ctx context.Context, id, name string) *domain.User {
	now := r.now()

	r.mu.Lock()
	u, ok := r.users[id]
	if !ok {
		u = &domain.User{ID: id, RegisteredAt: now}
		r.users[id] = u
	}
	if name != "" {
		u.Name = name
	}
	u.LastActive = now
	snapshot := *u
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveUser(ctx, &snapshot); err != nil {
			r.logger.Warn("failed to persist user", "user_id", id, "error", err)
		}
	}
	return &snapshot
}

// GetUser returns a snapshot of a user record.
func (r *Registry) GetUser(id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrUserNotFound)
	}
	snapshot := *u
	return &snapshot, nil
}

// Touch marks a user active without altering anything else.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if u, ok := r.users[id]; ok {
		u.LastActive = r.now()
	}
	r.mu.Unlock()
}

// EnsureCommunity returns the community record, creating it on first
// interaction. Communities are never deleted automatically.
func (r *Registry) EnsureCommunity(ctx context.Context, id, name string) *domain.Community {
	r.mu.Lock()
	c, ok := r.communities[id]
	if !ok {
		c = &domain.Community{
			ID:         id,
			Name:       name,
			SessionTTL: r.sessionTTL,
			CreatedAt:  r.now(),
		}
		r.communities[id] = c
	} else if name != "" {
		c.Name = name
	}
	snapshot := *c
	r.mu.Unlock()

	if !ok && r.store != nil {
		if err := r.store.SaveCommunity(ctx, &snapshot); err != nil {
			r.logger.Warn("failed to persist community", "community_id", id, "error", err)
		}
	}
	return &snapshot
}

// GetCommunity returns a snapshot of a community record.
func (r *Registry) GetCommunity(id string) (*domain.Community, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.communities[id]
	if !ok {
		return nil, fmt.Errorf("community %s: %w", id, domain.ErrCommunityNotFound)
	}
	snapshot := *c
	return &snapshot, nil
}

// Communities lists known community IDs.
func (r *Registry) Communities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.communities))
	for id := range r.communities {
		out = append(out, id)
	}
	return out
}

// DeleteUser removes the identity record, the tail of a deletion cascade.
func (r *Registry) DeleteUser(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.users, id)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteUser(ctx, id); err != nil {
			r.logger.Warn("failed to delete user from store", "user_id", id, "error", err)
		}
	}
}

// DeleteCommunity removes the community record.
func (r *Registry) DeleteCommunity(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.communities, id)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteCommunity(ctx, id); err != nil {
			r.logger.Warn("failed to delete community from store", "community_id", id, "error", err)
		}
	}
}
