package domain

import "time"

// SessionState represents the lifecycle state of a squad session
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionFilling   SessionState = "filling"
	SessionFull      SessionState = "full"
	SessionCancelled SessionState = "cancelled"
	SessionExpired   SessionState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionFull || s == SessionCancelled || s == SessionExpired
}

// Joinable reports whether the session accepts new members.
func (s SessionState) Joinable() bool {
	return s == SessionOpen || s == SessionFilling
}

// SquadSize is fixed: a session is full at exactly four members.
const SquadSize = 4

// SquadSession represents one matchmaking request for a fixed-size squad.
// Members is ordered by join time; the leader is always Members[0].
type SquadSession struct {
	ID          string       `json:"id"`
	CommunityID string       `json:"community_id"`
	LeaderID    string       `json:"leader_id"`
	Members     []string     `json:"members"`
	Mission     string       `json:"mission,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// IsMember reports whether userID has joined the session.
func (s *SquadSession) IsMember(userID string) bool {
	for _, m := range s.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// CreateSessionRequest represents a request to open a new squad session
type CreateSessionRequest struct {
	CommunityID string `json:"community_id"`
	LeaderID    string `json:"leader_id"`
	Mission     string `json:"mission,omitempty"`
	Notes       string `json:"notes,omitempty"`
}
