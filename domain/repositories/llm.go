package repositories

import (
	"context"

	"github.com/novavoice/callpipe/domain/entities"
)

// LanguageModel abstracts the model inference service.
type LanguageModel interface {
	// StreamResponse sends the transcript plus conversation history and
	// returns the model reply as ordered deltas. The delta channel is closed
	// when the response completes; a mid-stream failure closes it early and
	// is reported on the error channel.
	StreamResponse(ctx context.Context, history []ChatMessage, prompt string) (<-chan entities.ResponseDelta, <-chan error, error)
}

// ChatMessage is a single message in the conversation history.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role defines the type of message sender.
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)
