package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/squadnet/internal/config"
	"github.com/squadnet/internal/domain"
)

// Repository provides keyed reads and writes against the persistent
// store. The in-memory core is authoritative at runtime; the repository
// exists for durability and startup recovery.
type Repository struct {
	pool   *pgxpool.Pool
	cfg    *config.PostgresConfig
	logger *slog.Logger
}

// NewRepository creates a PostgreSQL repository.
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS communities (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			session_ttl_seconds BIGINT NOT NULL DEFAULT 3600,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			score BIGINT NOT NULL DEFAULT 0,
			last_active TIMESTAMP,
			registered_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS squad_sessions (
			id VARCHAR(64) PRIMARY KEY,
			community_id VARCHAR(64) NOT NULL,
			leader_id VARCHAR(64) NOT NULL,
			members JSONB NOT NULL,
			mission VARCHAR(255) DEFAULT '',
			notes TEXT DEFAULT '',
			state VARCHAR(20) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stat_submissions (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			community_id VARCHAR(64) NOT NULL,
			mission VARCHAR(255) DEFAULT '',
			stats JSONB NOT NULL,
			submitted_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS engagement_events (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			community_id VARCHAR(64) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			weight BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_community ON squad_sessions(community_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_community ON stat_submissions(community_id, submitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_community ON engagement_events(community_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON engagement_events(user_id)`,
	}

	for _, migration := range migrations {
		if _, err := r.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// withRetry runs fn with bounded backoff. Exhausted retries surface as
// ErrUnavailable so callers report a single generic failure.
func (r *Repository) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	delay := r.cfg.RetryDelay
	for attempt := 0; attempt < r.cfg.RetryAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

// SaveUser upserts a user's identity fields. The score column belongs to
// SaveUserScore: an identity refresh must never touch an accrued score.
func (r *Repository) SaveUser(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users (id, name, score, last_active, registered_at)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET name = $2, last_active = $3
	`
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query, u.ID, u.Name, u.LastActive, u.RegisteredAt)
		return err
	})
}

// SaveUserScore updates just the persistent cumulative score.
func (r *Repository) SaveUserScore(ctx context.Context, userID string, score int64) error {
	query := `
		INSERT INTO users (id, score) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET score = $2
	`
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query, userID, score)
		return err
	})
}

// DeleteUser removes a user record.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		return err
	})
}

// LoadUserScores returns every persisted score, used to reseed the
// scoring engine on startup.
func (r *Repository) LoadUserScores(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, score FROM users`)
	if err != nil {
		return nil, fmt.Errorf("loading user scores: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]int64)
	for rows.Next() {
		var id string
		var score int64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scanning user score: %w", err)
		}
		scores[id] = score
	}
	return scores, nil
}

// SaveCommunity upserts a community record.
func (r *Repository) SaveCommunity(ctx context.Context, c *domain.Community) error {
	query := `
		INSERT INTO communities (id, name, session_ttl_seconds, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, session_ttl_seconds = $3
	`
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query, c.ID, c.Name, int64(c.SessionTTL.Seconds()), c.CreatedAt)
		return err
	})
}

// DeleteCommunity removes a community record.
func (r *Repository) DeleteCommunity(ctx context.Context, id string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM communities WHERE id = $1`, id)
		return err
	})
}

// SaveSession upserts a session record.
func (r *Repository) SaveSession(ctx context.Context, s *domain.SquadSession) error {
	members, err := json.Marshal(s.Members)
	if err != nil {
		return fmt.Errorf("marshaling members: %w", err)
	}
	query := `
		INSERT INTO squad_sessions (id, community_id, leader_id, members, mission, notes, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id)
		DO UPDATE SET members = $4, state = $7
	`
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query,
			s.ID, s.CommunityID, s.LeaderID, members, s.Mission, s.Notes,
			string(s.State), s.CreatedAt, s.ExpiresAt,
		)
		return err
	})
}

// DeleteSession removes a session record.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM squad_sessions WHERE id = $1`, id)
		return err
	})
}

// SaveSubmission inserts a submission record.
func (r *Repository) SaveSubmission(ctx context.Context, s *domain.StatSubmission) error {
	stats, err := json.Marshal(s.Stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	query := `
		INSERT INTO stat_submissions (id, user_id, community_id, mission, stats, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query, s.ID, s.UserID, s.CommunityID, s.Mission, stats, s.SubmittedAt)
		return err
	})
}

// DeleteSubmission removes a submission record.
func (r *Repository) DeleteSubmission(ctx context.Context, id string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM stat_submissions WHERE id = $1`, id)
		return err
	})
}

// LoadSubmissions returns every persisted submission, used to rebuild
// the leaderboards on startup.
func (r *Repository) LoadSubmissions(ctx context.Context) ([]domain.StatSubmission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, community_id, mission, stats, submitted_at
		FROM stat_submissions
		ORDER BY submitted_at
	`)
	if err != nil {
		return nil, fmt.Errorf("loading submissions: %w", err)
	}
	defer rows.Close()

	var out []domain.StatSubmission
	for rows.Next() {
		var s domain.StatSubmission
		var stats []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.CommunityID, &s.Mission, &stats, &s.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scanning submission: %w", err)
		}
		if err := json.Unmarshal(stats, &s.Stats); err != nil {
			return nil, fmt.Errorf("unmarshaling stats: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// SaveEvent appends an engagement event record.
func (r *Repository) SaveEvent(ctx context.Context, e *domain.EngagementEvent) error {
	query := `
		INSERT INTO engagement_events (user_id, community_id, kind, weight, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query, e.UserID, e.CommunityID, string(e.Kind), e.Weight, e.Timestamp)
		return err
	})
}

// DeleteEventsBefore purges a community's event log up to the cutoff.
// Scores are stored on the user row and are untouched.
func (r *Repository) DeleteEventsBefore(ctx context.Context, communityID string, cutoff time.Time) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`DELETE FROM engagement_events WHERE community_id = $1 AND created_at < $2`,
			communityID, cutoff,
		)
		return err
	})
}

// DeleteUserEvents removes every event a user produced.
func (r *Repository) DeleteUserEvents(ctx context.Context, userID string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM engagement_events WHERE user_id = $1`, userID)
		return err
	})
}
