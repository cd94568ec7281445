package repositories

import (
	"context"
	"time"
)

// TranscriptTurn is one exchange recorded for persistence.
type TranscriptTurn struct {
	Role      Role      `json:"role" bson:"role"`
	Text      string    `json:"text" bson:"text"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// TranscriptRecord is the finalized session record handed to persistence
// once, on teardown.
type TranscriptRecord struct {
	SessionID      string           `json:"session_id" bson:"session_id"`
	ConversationID string           `json:"conversation_id" bson:"conversation_id"`
	UserID         string           `json:"user_id" bson:"user_id"`
	Tier           string           `json:"tier" bson:"tier"`
	StartedAt      time.Time        `json:"started_at" bson:"started_at"`
	DurationMs     int64            `json:"duration_ms" bson:"duration_ms"`
	EndReason      string           `json:"end_reason" bson:"end_reason"`
	Turns          []TranscriptTurn `json:"turns" bson:"turns"`
}

// TranscriptStore persists finalized transcripts. Teardown never blocks on
// it; failures are logged, not propagated.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, record TranscriptRecord) error
}
