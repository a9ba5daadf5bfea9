package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Squad       SquadConfig       `yaml:"squad"`
	Stats       StatsConfig       `yaml:"stats"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Engagement  EngagementConfig  `yaml:"engagement"`
	Retention   RetentionConfig   `yaml:"retention"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration for stat ingestion
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// SquadConfig holds squad session configuration
type SquadConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
	// MinViableSize is the member count below which a session auto-cancels
	// after a leave. The leader alone (1) never auto-cancels.
	MinViableSize int `yaml:"min_viable_size"`
}

// StatsConfig holds stat submission validation configuration
type StatsConfig struct {
	// MaxPerCooldown submissions per user within Cooldown are accepted;
	// further submissions are rate limited.
	MaxPerCooldown int           `yaml:"max_per_cooldown"`
	Cooldown       time.Duration `yaml:"cooldown"`
	// SanityCeiling caps any single stat field; corrupt OCR output above
	// it is rejected outright.
	SanityCeiling int64 `yaml:"sanity_ceiling"`
}

// LeaderboardConfig holds ranked-view configuration
type LeaderboardConfig struct {
	PrimaryStat  string            `yaml:"primary_stat"`
	Reducers     map[string]string `yaml:"reducers"`
	DefaultLimit int               `yaml:"default_limit"`
	MaxLimit     int               `yaml:"max_limit"`
	SnapshotSize int               `yaml:"snapshot_size"`
}

// EngagementConfig holds scoring weights and level thresholds
type EngagementConfig struct {
	Weights map[string]int64 `yaml:"weights"`
	// LevelThresholds is the minimum score for each level >= 1, ascending.
	// A score below the first threshold is level 0.
	LevelThresholds []int64 `yaml:"level_thresholds"`
}

// RetentionConfig holds the sweep worker configuration
type RetentionConfig struct {
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
	Enabled  bool          `yaml:"enabled"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.IdempotencyTTL == 0 {
		c.Server.IdempotencyTTL = 15 * time.Minute
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}
	if c.Postgres.RetryAttempts == 0 {
		c.Postgres.RetryAttempts = 3
	}
	if c.Postgres.RetryDelay == 0 {
		c.Postgres.RetryDelay = 200 * time.Millisecond
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "stat-submissions"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "squadnet-consumer"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Squad defaults
	if c.Squad.SessionTTL == 0 {
		c.Squad.SessionTTL = 1 * time.Hour
	}
	if c.Squad.MinViableSize == 0 {
		c.Squad.MinViableSize = 1
	}

	// Stats defaults
	if c.Stats.MaxPerCooldown == 0 {
		c.Stats.MaxPerCooldown = 3
	}
	if c.Stats.Cooldown == 0 {
		c.Stats.Cooldown = 5 * time.Minute
	}
	if c.Stats.SanityCeiling == 0 {
		c.Stats.SanityCeiling = 10000
	}

	// Leaderboard defaults
	if c.Leaderboard.PrimaryStat == "" {
		c.Leaderboard.PrimaryStat = "kills"
	}
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 25
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 100
	}
	if c.Leaderboard.SnapshotSize == 0 {
		c.Leaderboard.SnapshotSize = 10
	}

	// Engagement defaults
	if len(c.Engagement.Weights) == 0 {
		c.Engagement.Weights = map[string]int64{
			"message":        1,
			"squad_join":     5,
			"squad_complete": 25,
			"stat_submit":    10,
		}
	}
	if len(c.Engagement.LevelThresholds) == 0 {
		c.Engagement.LevelThresholds = []int64{50, 150, 400, 1000, 2500, 6000}
	}

	// Retention defaults
	if c.Retention.Interval == 0 {
		c.Retention.Interval = 24 * time.Hour
	}
	if c.Retention.Window == 0 {
		c.Retention.Window = 30 * 24 * time.Hour
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Retention.Enabled = true
	return cfg
}
