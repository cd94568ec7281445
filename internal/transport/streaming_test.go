package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newGateway starts a fake realtime gateway whose behavior is driven by fn.
func newGateway(t *testing.T, fn func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readHandshake(t *testing.T, conn *websocket.Conn) turnStartMessage {
	t.Helper()
	var start turnStartMessage
	if err := conn.ReadJSON(&start); err != nil {
		t.Errorf("failed to read handshake: %v", err)
	}
	return start
}

func streamingChannel(url string) *StreamingChannel {
	return NewStreamingChannel(StreamingConfig{
		GatewayURL:    url,
		SessionID:     "session-1",
		SampleRate:    16000,
		BufferSamples: 2048,
		IOTimeout:     2 * time.Second,
	}, zap.NewNop())
}

func audioStream(chunks ...entities.AudioChunk) <-chan entities.AudioChunk {
	ch := make(chan entities.AudioChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestStreamingTurnHappyPath(t *testing.T) {
	srv, url := newGateway(t, func(conn *websocket.Conn) {
		start := readHandshake(t, conn)
		if start.SampleRate != 16000 || start.BufferSamples != 2048 {
			t.Errorf("unexpected handshake: %+v", start)
		}
		conn.WriteJSON(turnAckMessage{Type: "turn_ack", Accepted: true})

		// Consume audio frames until turn_audio_end.
		var frames int
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				t.Errorf("gateway read failed: %v", err)
				return
			}
			if msgType == websocket.BinaryMessage {
				frames++
				continue
			}
			var msg map[string]string
			json.Unmarshal(payload, &msg)
			if msg["type"] == "turn_audio_end" {
				break
			}
		}
		if frames != 2 {
			t.Errorf("expected 2 audio frames, got %d", frames)
		}

		conn.WriteJSON(gatewayEvent{Type: "transcript", Text: "hello", Final: true, ToSeq: 1})
		conn.WriteJSON(gatewayEvent{Type: "delta", Index: 0, Text: "hi "})
		conn.WriteJSON(gatewayEvent{Type: "delta", Index: 1, Text: "there"})
		conn.WriteJSON(gatewayEvent{Type: "audio", Index: 0, Data: base64.StdEncoding.EncodeToString([]byte{1, 2})})
		conn.WriteJSON(gatewayEvent{Type: "turn_end"})
	})
	defer srv.Close()

	ch := streamingChannel(url)
	turn, err := ch.RunTurn(context.Background(), audioStream(
		entities.AudioChunk{Seq: 0, Data: []byte{0, 0}},
		entities.AudioChunk{Seq: 1, Data: []byte{1, 1}},
	))
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	var transcript string
	var reply string
	var segments int
	for turn.Transcripts != nil || turn.Deltas != nil || turn.Segments != nil {
		select {
		case ev, ok := <-turn.Transcripts:
			if !ok {
				turn.Transcripts = nil
				continue
			}
			transcript = ev.Text
		case d, ok := <-turn.Deltas:
			if !ok {
				turn.Deltas = nil
				continue
			}
			reply += d.Text
		case _, ok := <-turn.Segments:
			if !ok {
				turn.Segments = nil
				continue
			}
			segments++
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining turn")
		}
	}

	if err := <-turn.Done; err != nil {
		t.Errorf("Expected nil turn outcome, got %v", err)
	}
	if transcript != "hello" {
		t.Errorf("Expected transcript hello, got %q", transcript)
	}
	if reply != "hi there" {
		t.Errorf("Expected reply %q, got %q", "hi there", reply)
	}
	if segments != 1 {
		t.Errorf("Expected 1 segment, got %d", segments)
	}

	ch.Teardown()
	if ch.Active() {
		t.Error("Expected channel inactive after teardown")
	}
}

func TestStreamingBufferNegotiationRejected(t *testing.T) {
	srv, url := newGateway(t, func(conn *websocket.Conn) {
		readHandshake(t, conn)
		conn.WriteJSON(turnAckMessage{Type: "turn_ack", Accepted: false, Reason: "unsupported buffer size"})
	})
	defer srv.Close()

	ch := streamingChannel(url)
	_, err := ch.RunTurn(context.Background(), audioStream())
	if !errors.Is(err, entities.ErrBufferNegotiationFailed) {
		t.Errorf("Expected ErrBufferNegotiationFailed, got %v", err)
	}
	if ch.Active() {
		t.Error("Expected no residual connection after rejected handshake")
	}
}

func TestStreamingMalformedHandshake(t *testing.T) {
	srv, url := newGateway(t, func(conn *websocket.Conn) {
		readHandshake(t, conn)
		conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
	})
	defer srv.Close()

	ch := streamingChannel(url)
	_, err := ch.RunTurn(context.Background(), audioStream())
	if !errors.Is(err, entities.ErrMalformedHandshake) {
		t.Errorf("Expected ErrMalformedHandshake, got %v", err)
	}
	if ch.Active() {
		t.Error("Expected no residual connection after malformed handshake")
	}
}

func TestStreamingConnectionResetMidTurn(t *testing.T) {
	srv, url := newGateway(t, func(conn *websocket.Conn) {
		readHandshake(t, conn)
		conn.WriteJSON(turnAckMessage{Type: "turn_ack", Accepted: true})
		conn.WriteJSON(gatewayEvent{Type: "delta", Index: 0, Text: "partial"})
		// Drop the connection without a close frame.
		conn.UnderlyingConn().Close()
	})
	defer srv.Close()

	ch := streamingChannel(url)
	turn, err := ch.RunTurn(context.Background(), audioStream())
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	select {
	case err := <-turn.Done:
		if !errors.Is(err, entities.ErrConnectionReset) {
			t.Errorf("Expected ErrConnectionReset, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for turn outcome")
	}
}

func TestStreamingDialFailure(t *testing.T) {
	ch := streamingChannel("ws://127.0.0.1:1/unreachable")
	_, err := ch.RunTurn(context.Background(), audioStream())
	if !errors.Is(err, entities.ErrConnectionReset) {
		t.Errorf("Expected ErrConnectionReset, got %v", err)
	}
	if ch.Active() {
		t.Error("Expected no residual state after dial failure")
	}
}
