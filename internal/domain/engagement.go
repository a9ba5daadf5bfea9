package domain

import "time"

// EventKind classifies an interaction that feeds the engagement score
type EventKind string

const (
	EventMessage       EventKind = "message"
	EventSquadJoin     EventKind = "squad_join"
	EventSquadComplete EventKind = "squad_complete"
	EventStatSubmit    EventKind = "stat_submit"
)

// EngagementEvent is an append-only record feeding a user's score.
// The event log is ephemeral; the score it produced is not.
type EngagementEvent struct {
	UserID      string    `json:"user_id"`
	CommunityID string    `json:"community_id"`
	Kind        EventKind `json:"kind"`
	Weight      int64     `json:"weight"`
	Timestamp   time.Time `json:"timestamp"`
}
