package domain

import "time"

// Well-known stat fields produced by the screenshot parser. Submissions may
// carry any subset; the validator only checks shape and range.
const (
	StatKills      = "kills"
	StatDeaths     = "deaths"
	StatShotsFired = "shots_fired"
	StatShotsHit   = "shots_hit"
)

// StatSubmission is one validated performance record. Ephemeral: purged
// after the retention window.
type StatSubmission struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	CommunityID string           `json:"community_id"`
	Mission     string           `json:"mission,omitempty"`
	Stats       map[string]int64 `json:"stats"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// StatPayload is the raw field map handed over by the OCR collaborator,
// before validation stamps it into a StatSubmission.
type StatPayload struct {
	UserID      string           `json:"user_id"`
	CommunityID string           `json:"community_id"`
	Mission     string           `json:"mission,omitempty"`
	Stats       map[string]int64 `json:"stats"`
}

// Reducer selects how a stat field folds into a user's aggregate
type Reducer string

const (
	ReducerSum Reducer = "sum"
	ReducerMax Reducer = "max"
	ReducerAvg Reducer = "avg"
)

// LeaderboardEntry is one row of a community's ranked view: a materialized
// aggregate over that user's non-purged submissions.
type LeaderboardEntry struct {
	Rank    int64            `json:"rank"`
	UserID  string           `json:"user_id"`
	Primary int64            `json:"primary"`
	Totals  map[string]int64 `json:"totals"`
}
