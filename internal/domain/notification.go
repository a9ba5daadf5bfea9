package domain

import "time"

// Notification types pushed to the chat gateway for rendering
const (
	NoticeSquadFilled         = "squad_filled"
	NoticeSquadExpired        = "squad_expired"
	NoticeSquadCancelled      = "squad_cancelled"
	NoticeLevelUp             = "level_up"
	NoticeLeaderboardSnapshot = "leaderboard_snapshot"
)

// Notification is a plain data payload for external rendering. The core
// never formats messages.
type Notification struct {
	Type        string      `json:"type"`
	CommunityID string      `json:"community_id"`
	Data        interface{} `json:"data,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// SquadNotice describes a session lifecycle event
type SquadNotice struct {
	SessionID   string   `json:"session_id"`
	CommunityID string   `json:"community_id"`
	LeaderID    string   `json:"leader_id"`
	Members     []string `json:"members"`
}

// LevelUpNotice is emitted once per level boundary crossed
type LevelUpNotice struct {
	UserID      string `json:"user_id"`
	CommunityID string `json:"community_id"`
	Level       int    `json:"level"`
	Score       int64  `json:"score"`
}

// LeaderboardSnapshot carries a ranked view for external rendering
type LeaderboardSnapshot struct {
	CommunityID string             `json:"community_id"`
	Entries     []LeaderboardEntry `json:"entries"`
	GeneratedAt time.Time          `json:"generated_at"`
}
