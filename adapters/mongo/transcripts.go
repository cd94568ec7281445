package mongo

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/repositories"
)

const transcriptCollection = "transcripts"

// TranscriptStore persists finalized session transcripts to MongoDB.
type TranscriptStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.TranscriptStore = (*TranscriptStore)(nil)

// NewTranscriptStore creates a transcript store backed by the given client.
func NewTranscriptStore(client *Client, logger *zap.Logger) *TranscriptStore {
	return &TranscriptStore{
		collection: client.Database.Collection(transcriptCollection),
		logger:     logger,
	}
}

// SaveTranscript inserts one finalized record. Records are written exactly
// once per session, on teardown, so there is no upsert path.
func (s *TranscriptStore) SaveTranscript(ctx context.Context, record repositories.TranscriptRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("transcript record requires a session ID")
	}

	result, err := s.collection.InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}

	s.logger.Info("Saved session transcript",
		zap.String("sessionId", record.SessionID),
		zap.String("endReason", record.EndReason),
		zap.Int("turns", len(record.Turns)),
		zap.Any("documentId", result.InsertedID))
	return nil
}

// InMemoryTranscriptStore keeps transcripts in process memory. It backs
// development runs where no MongoDB instance is available.
type InMemoryTranscriptStore struct {
	mu      sync.Mutex
	records []repositories.TranscriptRecord
	logger  *zap.Logger
}

var _ repositories.TranscriptStore = (*InMemoryTranscriptStore)(nil)

// NewInMemoryTranscriptStore creates an empty in-memory store.
func NewInMemoryTranscriptStore(logger *zap.Logger) *InMemoryTranscriptStore {
	return &InMemoryTranscriptStore{logger: logger}
}

// SaveTranscript appends the record.
func (s *InMemoryTranscriptStore) SaveTranscript(_ context.Context, record repositories.TranscriptRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("transcript record requires a session ID")
	}
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()

	s.logger.Info("Saved session transcript in memory",
		zap.String("sessionId", record.SessionID),
		zap.Int("turns", len(record.Turns)))
	return nil
}

// Transcripts returns a copy of everything saved so far.
func (s *InMemoryTranscriptStore) Transcripts() []repositories.TranscriptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repositories.TranscriptRecord, len(s.records))
	copy(out, s.records)
	return out
}
