package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
)

// Wire messages for the realtime gateway. Audio travels as binary frames;
// everything else is JSON text.
type turnStartMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	SampleRate    int    `json:"sample_rate"`
	BufferSamples int    `json:"buffer_samples"`
	Encoding      string `json:"encoding"`
}

type turnAckMessage struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type gatewayEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	FromSeq uint64 `json:"from_seq,omitempty"`
	ToSeq   uint64 `json:"to_seq,omitempty"`
	Index   int    `json:"index,omitempty"`
	Data    string `json:"data,omitempty"` // base64 audio payload
	Message string `json:"message,omitempty"`
}

// StreamingConfig configures the streaming channel.
type StreamingConfig struct {
	GatewayURL    string
	SessionID     string
	SampleRate    int
	BufferSamples int
	IOTimeout     time.Duration
}

// StreamingChannel carries a whole turn over one persistent bidirectional
// websocket connection: audio frames out, transcript/response/speech events
// in. Lowest latency, and the failure modes the failover controller
// recovers from.
type StreamingChannel struct {
	cfg    StreamingConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	inFlight bool
}

// NewStreamingChannel creates a streaming channel for one session.
func NewStreamingChannel(cfg StreamingConfig, logger *zap.Logger) *StreamingChannel {
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 15 * time.Second
	}
	return &StreamingChannel{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

func (c *StreamingChannel) Transport() entities.Transport {
	return entities.TransportStreaming
}

// Active reports whether a turn currently holds a live connection.
func (c *StreamingChannel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight && c.conn != nil
}

// Teardown closes the connection and resets in-flight state. It must run
// before any fallback attempt: a stale streaming handle left behind is what
// makes a subsequent start look like "session already in progress".
func (c *StreamingChannel) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.inFlight = false
}

// RunTurn dials the gateway, negotiates the turn, and streams until the
// gateway signals turn end. Handshake failures return immediately and are
// all failoverable.
func (c *StreamingChannel) RunTurn(ctx context.Context, audio <-chan entities.AudioChunk) (*Turn, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, fmt.Errorf("streaming turn already in flight")
	}
	c.inFlight = true
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.GatewayURL, nil)
	if err != nil {
		c.Teardown()
		return nil, fmt.Errorf("%w: dial: %v", entities.ErrConnectionReset, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.handshake(conn); err != nil {
		c.Teardown()
		return nil, err
	}

	turn, emitter := newTurnEmitter()

	go c.writeAudio(ctx, conn, audio)
	go c.readEvents(ctx, conn, emitter)

	return turn, nil
}

func (c *StreamingChannel) handshake(conn *websocket.Conn) error {
	start := turnStartMessage{
		Type:          "turn_start",
		SessionID:     c.cfg.SessionID,
		SampleRate:    c.cfg.SampleRate,
		BufferSamples: c.cfg.BufferSamples,
		Encoding:      "LINEAR16",
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("%w: handshake write: %v", entities.ErrConnectionReset, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.IOTimeout))
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: handshake read: %v", entities.ErrConnectionReset, err)
	}
	if msgType != websocket.TextMessage {
		return fmt.Errorf("%w: expected text ack, got frame type %d", entities.ErrMalformedHandshake, msgType)
	}

	var ack turnAckMessage
	if err := json.Unmarshal(payload, &ack); err != nil || ack.Type != "turn_ack" {
		return fmt.Errorf("%w: %s", entities.ErrMalformedHandshake, truncate(payload))
	}
	if !ack.Accepted {
		c.logger.Warn("Gateway rejected turn negotiation",
			zap.String("reason", ack.Reason),
			zap.Int("bufferSamples", c.cfg.BufferSamples))
		return fmt.Errorf("%w: %s", entities.ErrBufferNegotiationFailed, ack.Reason)
	}
	return nil
}

// writeAudio forwards chunks as binary frames and marks end of audio when
// the capture stream for this turn closes.
func (c *StreamingChannel) writeAudio(ctx context.Context, conn *websocket.Conn, audio <-chan entities.AudioChunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-audio:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
				_ = conn.WriteJSON(map[string]string{"type": "turn_audio_end"})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk.Data); err != nil {
				c.logger.Warn("Failed to send audio frame",
					zap.Uint64("seq", chunk.Seq),
					zap.Error(err))
				return
			}
		}
	}
}

// readEvents decodes gateway events until turn end. Any read failure before
// that is a connection reset, which the failover controller recovers.
func (c *StreamingChannel) readEvents(ctx context.Context, conn *websocket.Conn, emitter *turnEmitter) {
	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.IOTimeout))
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				emitter.finish(ctx.Err())
				return
			}
			emitter.finish(fmt.Errorf("%w: %v", entities.ErrConnectionReset, err))
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Warn("Ignoring unexpected frame type from gateway", zap.Int("type", msgType))
			continue
		}

		var event gatewayEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.logger.Warn("Skipping malformed gateway event", zap.String("payload", truncate(payload)))
			continue
		}

		switch event.Type {
		case "transcript":
			emitter.transcripts <- entities.TranscriptEvent{
				Text:    event.Text,
				Final:   event.Final,
				FromSeq: event.FromSeq,
				ToSeq:   event.ToSeq,
			}
		case "delta":
			emitter.deltas <- entities.ResponseDelta{Index: event.Index, Text: event.Text}
		case "audio":
			data, err := base64.StdEncoding.DecodeString(event.Data)
			if err != nil {
				c.logger.Warn("Skipping undecodable audio segment", zap.Int("index", event.Index))
				continue
			}
			emitter.segments <- entities.PlaybackSegment{Index: event.Index, Data: data, EnqueuedAt: time.Now()}
		case "turn_end":
			emitter.finish(nil)
			return
		case "error":
			emitter.finish(fmt.Errorf("%w: gateway: %s", entities.ErrConnectionReset, event.Message))
			return
		default:
			c.logger.Warn("Ignoring unknown gateway event", zap.String("type", event.Type))
		}
	}
}

func truncate(payload []byte) string {
	const max = 120
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "..."
}
