package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
	"github.com/novavoice/callpipe/internal/streamparse"
)

const (
	defaultIdleTimeout = 30 * time.Second
	defaultHTTPTimeout = 120 * time.Second
)

// LMStudioConfig configures the OpenAI-compatible adapter.
type LMStudioConfig struct {
	BaseURL     string // Required, e.g. "http://localhost:1234/v1"
	Model       string
	IdleTimeout time.Duration // max silence on the stream before the turn fails
}

// LMStudio implements LanguageModel against any OpenAI-compatible
// completion server. The response arrives as a raw SSE stream and goes
// through the line-level response parser, so malformed framing is skipped
// and a missing terminator fails the turn instead of hanging it.
type LMStudio struct {
	cfg    LMStudioConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.LanguageModel = (*LMStudio)(nil)

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model,omitempty"`
	Messages []chatCompletionMessage `json:"messages"`
	Stream   bool                    `json:"stream"`
}

// NewLMStudio creates the adapter.
func NewLMStudio(cfg LMStudioConfig, logger *zap.Logger) (*LMStudio, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("completion server base URL is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &LMStudio{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultHTTPTimeout},
		logger: logger,
	}, nil
}

// Ping checks that the completion server is reachable.
func (l *LMStudio) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("completion server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("completion server returned %d", resp.StatusCode)
	}
	return nil
}

// StreamResponse posts the chat completion request and streams the parsed
// deltas back.
func (l *LMStudio) StreamResponse(ctx context.Context, history []repositories.ChatMessage, prompt string) (<-chan entities.ResponseDelta, <-chan error, error) {
	messages := make([]chatCompletionMessage, 0, len(history)+1)
	for _, msg := range history {
		messages = append(messages, chatCompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}
	messages = append(messages, chatCompletionMessage{Role: string(repositories.UserRole), Content: prompt})

	body, err := json.Marshal(chatCompletionRequest{
		Model:    l.cfg.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, fmt.Errorf("completion server returned %d: %s", resp.StatusCode, errorBody)
	}

	deltas := make(chan entities.ResponseDelta, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)
		defer resp.Body.Close()

		parser := streamparse.NewParser(l.logger)
		err := streamparse.Drain(ctx, resp.Body, parser, l.cfg.IdleTimeout, func(d entities.ResponseDelta) {
			select {
			case deltas <- d:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return deltas, errs, nil
}
