package domain

import "time"

// User represents a registered player. Persistent unless an explicit
// deletion request is honored.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Score        int64     `json:"score"`
	Level        int       `json:"level"`
	LastActive   time.Time `json:"last_active"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Community is a tenant: one chat server using the system. Created on
// first interaction, never deleted automatically.
type Community struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	SessionTTL time.Duration `json:"session_ttl"`
	CreatedAt  time.Time     `json:"created_at"`
}
