// Package streamparse decodes the line-oriented response stream produced by
// the model service into ordered text deltas. The wire is SSE-shaped: every
// payload line may carry a "data:" prefix, framing lines (event, retry, id,
// blank) separate events, and the payload itself is either JSON in one of a
// few known shapes or plain text.
package streamparse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
)

// doneMarker is the explicit end-of-stream signal.
const doneMarker = "[DONE]"

// Parser is an incremental response-stream decoder. It is not safe for
// concurrent use; each turn gets its own Parser.
type Parser struct {
	logger *zap.Logger

	tail []byte // unterminated line carried across reads
	next int    // next delta index
	done bool
}

// NewParser creates a parser for one response stream.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Feed consumes one read's worth of bytes and returns the deltas completed
// by it. A line split across two reads is held back until its terminator
// arrives.
func (p *Parser) Feed(data []byte) []entities.ResponseDelta {
	if p.done || len(data) == 0 {
		return nil
	}

	buf := append(p.tail, data...)
	lines := bytes.Split(buf, []byte("\n"))
	// The final element is an unterminated tail (possibly empty).
	p.tail = append([]byte(nil), lines[len(lines)-1]...)
	lines = lines[:len(lines)-1]

	var deltas []entities.ResponseDelta
	for _, line := range lines {
		if delta, ok := p.parseLine(line); ok {
			deltas = append(deltas, delta)
		}
		if p.done {
			break
		}
	}
	return deltas
}

// Flush processes any retained tail at end-of-stream and returns the final
// deltas.
func (p *Parser) Flush() []entities.ResponseDelta {
	if p.done || len(p.tail) == 0 {
		p.done = true
		return nil
	}
	line := p.tail
	p.tail = nil
	var deltas []entities.ResponseDelta
	if delta, ok := p.parseLine(line); ok {
		deltas = append(deltas, delta)
	}
	p.done = true
	return deltas
}

// Done reports whether an explicit end-of-stream marker was seen.
func (p *Parser) Done() bool {
	return p.done
}

// parseLine classifies one complete line. Framing lines and malformed
// payloads yield no delta; a malformed payload never aborts the stream.
func (p *Parser) parseLine(line []byte) (entities.ResponseDelta, bool) {
	trimmed := strings.TrimRight(string(line), "\r")

	// Event-framing artifacts: blank separators, event names, retry and id
	// directives. Skipped, never treated as data.
	if trimmed == "" ||
		strings.HasPrefix(trimmed, "event:") ||
		strings.HasPrefix(trimmed, "retry:") ||
		strings.HasPrefix(trimmed, "id:") ||
		strings.HasPrefix(trimmed, ":") {
		return entities.ResponseDelta{}, false
	}

	payload := trimmed
	if strings.HasPrefix(trimmed, "data:") {
		payload = strings.TrimPrefix(trimmed, "data:")
		payload = strings.TrimPrefix(payload, " ")
	}

	if payload == doneMarker {
		p.done = true
		return entities.ResponseDelta{}, false
	}

	text, ok := extractText(payload)
	if !ok {
		p.logger.Warn("Skipping unrecognized stream line",
			zap.String("line", truncateForLog(trimmed)))
		return entities.ResponseDelta{}, false
	}
	if text == "" {
		return entities.ResponseDelta{}, false
	}

	delta := entities.ResponseDelta{Index: p.next, Text: text}
	p.next++
	return delta, true
}

// wirePayload covers the JSON shapes the upstreams emit: a flat text object,
// a nested event object, and an OpenAI-style choices array.
type wirePayload struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Delta *struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	} `json:"delta"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func extractText(payload string) (string, bool) {
	if !strings.HasPrefix(payload, "{") {
		// The offline backend chunks completions into bare-text token events.
		return payload, true
	}

	var wire wirePayload
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return "", false
	}

	switch {
	case wire.Text != "":
		return wire.Text, true
	case wire.Delta != nil && wire.Delta.Text != "":
		return wire.Delta.Text, true
	case wire.Delta != nil && wire.Delta.Content != "":
		return wire.Delta.Content, true
	case len(wire.Choices) > 0:
		return wire.Choices[0].Delta.Content, true
	}

	// Known event envelopes that legitimately carry no text.
	switch wire.Type {
	case "start", "done", "end", "ping":
		return "", true
	}
	return "", false
}

func truncateForLog(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Drain reads the stream to completion, forwarding deltas to emit. Each read
// must produce data within idleTimeout; otherwise the turn fails with a
// stream timeout. Cancellation discards the rest of the stream.
func Drain(ctx context.Context, r io.Reader, p *Parser, idleTimeout time.Duration, emit func(entities.ResponseDelta)) error {
	type readResult struct {
		n   int
		err error
	}

	buf := make([]byte, 4096)
	reads := make(chan readResult, 1)

	for {
		go func() {
			n, err := r.Read(buf)
			reads <- readResult{n: n, err: err}
		}()

		var res readResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idleTimeout):
			return fmt.Errorf("%w: no data for %s", entities.ErrStreamTimeout, idleTimeout)
		case res = <-reads:
		}

		if res.n > 0 {
			for _, d := range p.Feed(buf[:res.n]) {
				emit(d)
			}
			if p.Done() {
				return nil
			}
		}
		if res.err == io.EOF {
			for _, d := range p.Flush() {
				emit(d)
			}
			return nil
		}
		if res.err != nil {
			return fmt.Errorf("response stream read failed: %w", res.err)
		}
	}
}
