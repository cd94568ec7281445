package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
)

func collectSegments(t *testing.T, segments <-chan entities.PlaybackSegment) []entities.PlaybackSegment {
	t.Helper()
	var got []entities.PlaybackSegment
	timeout := time.After(5 * time.Second)
	for {
		select {
		case segment, ok := <-segments:
			if !ok {
				return got
			}
			got = append(got, segment)
		case <-timeout:
			t.Fatal("timed out collecting segments")
		}
	}
}

func TestNewElevenLabsTTSValidation(t *testing.T) {
	logger := zap.NewNop()

	if _, err := NewElevenLabsTTS(ElevenLabsConfig{}, logger); err == nil {
		t.Error("Expected error when API key is missing")
	}
	if _, err := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "k", Stability: 1.5}, logger); err == nil {
		t.Error("Expected error for out-of-range stability")
	}

	adapter, err := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "k"}, logger)
	if err != nil {
		t.Fatalf("NewElevenLabsTTS failed: %v", err)
	}
	if adapter.cfg.VoiceID != defaultVoiceID {
		t.Errorf("Expected default voice ID %q, got %q", defaultVoiceID, adapter.cfg.VoiceID)
	}
	if adapter.cfg.SegmentSize != defaultSegmentSize {
		t.Errorf("Expected default segment size %d, got %d", defaultSegmentSize, adapter.cfg.SegmentSize)
	}
}

func TestSynthesizeSlicesAudioIntoIndexedSegments(t *testing.T) {
	audio := make([]byte, 10_000)
	for i := range audio {
		audio[i] = byte(i)
	}

	var gotPath, gotKey, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotAccept = r.Header.Get("Accept")

		var req synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Text != "hello there" {
			t.Errorf("Expected text %q, got %q", "hello there", req.Text)
		}
		w.Write(audio)
	}))
	defer srv.Close()

	adapter, err := NewElevenLabsTTS(ElevenLabsConfig{
		APIKey:      "test-key",
		APIBaseURL:  srv.URL,
		VoiceID:     "voice-1",
		SegmentSize: 4096,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewElevenLabsTTS failed: %v", err)
	}

	segments, err := adapter.Synthesize(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	got := collectSegments(t, segments)

	if gotPath != "/text-to-speech/voice-1/stream" {
		t.Errorf("Unexpected request path %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("Expected API key header, got %q", gotKey)
	}
	if gotAccept != "audio/pcm" {
		t.Errorf("Expected audio/pcm accept header, got %q", gotAccept)
	}

	if len(got) != 3 {
		t.Fatalf("Expected 3 segments for 10000 bytes at 4096, got %d", len(got))
	}
	total := 0
	for i, segment := range got {
		if segment.Index != i {
			t.Errorf("Expected segment index %d, got %d", i, segment.Index)
		}
		total += len(segment.Data)
	}
	if total != len(audio) {
		t.Errorf("Expected %d bytes across segments, got %d", len(audio), total)
	}
	if len(got[2].Data) != 10_000-2*4096 {
		t.Errorf("Expected short final segment, got %d bytes", len(got[2].Data))
	}
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	adapter, err := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "k"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewElevenLabsTTS failed: %v", err)
	}
	if _, err := adapter.Synthesize(context.Background(), "   "); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestSynthesizeSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid voice"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	adapter, err := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "bad", APIBaseURL: srv.URL}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewElevenLabsTTS failed: %v", err)
	}
	if _, err := adapter.Synthesize(context.Background(), "hi"); err == nil {
		t.Error("Expected error for non-200 response")
	}
}

func TestMockSynthesizeEmitsSegmentPerWord(t *testing.T) {
	mock := NewMockTextToSpeech(zap.NewNop())

	segments, err := mock.Synthesize(context.Background(), "one two three")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	got := collectSegments(t, segments)
	if len(got) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(got))
	}
	for i, segment := range got {
		if segment.Index != i || len(segment.Data) == 0 {
			t.Errorf("Unexpected segment %d: %+v", i, segment.Index)
		}
	}
}
