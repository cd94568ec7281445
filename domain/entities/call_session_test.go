package entities

import (
	"testing"
	"time"
)

func TestCallSessionLifecycle(t *testing.T) {
	session := NewCallSession("user-1", "conv-1", "premium", 0)

	if session.State() != SessionIdle {
		t.Errorf("Expected state %s, got %s", SessionIdle, session.State())
	}
	if session.DurationCap() != DefaultDurationCap {
		t.Errorf("Expected default cap %s, got %s", DefaultDurationCap, session.DurationCap())
	}

	if err := session.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if session.State() != SessionStarting {
		t.Errorf("Expected state %s, got %s", SessionStarting, session.State())
	}

	if err := session.Activate(TransportStreaming); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if session.ActiveTransport() != TransportStreaming {
		t.Errorf("Expected transport %s, got %s", TransportStreaming, session.ActiveTransport())
	}

	if err := session.BeginEnding(); err != nil {
		t.Fatalf("BeginEnding failed: %v", err)
	}
	session.End("stopped")

	if session.State() != SessionEnded {
		t.Errorf("Expected state %s, got %s", SessionEnded, session.State())
	}
	if session.ActiveTransport() != TransportNone {
		t.Errorf("Expected transport %s after end, got %s", TransportNone, session.ActiveTransport())
	}
	if session.Snapshot().EndReason != "stopped" {
		t.Errorf("Expected end reason stopped, got %s", session.Snapshot().EndReason)
	}
}

func TestCallSessionInvalidTransitions(t *testing.T) {
	session := NewCallSession("user-1", "conv-1", "free", time.Minute)

	if err := session.Activate(TransportStreaming); err == nil {
		t.Error("Expected error activating an idle session")
	}
	if err := session.BeginFailover(); err == nil {
		t.Error("Expected error failing over an idle session")
	}

	if err := session.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := session.Begin(); err == nil {
		t.Error("Expected error beginning a session twice")
	}
	if err := session.Activate(TransportNone); err == nil {
		t.Error("Expected error activating with no transport")
	}
}

func TestCallSessionFailover(t *testing.T) {
	session := NewCallSession("user-1", "conv-1", "premium", time.Minute)
	if err := session.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := session.Activate(TransportStreaming); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if err := session.BeginFailover(); err != nil {
		t.Fatalf("BeginFailover failed: %v", err)
	}
	if !session.FailingOver() {
		t.Error("Expected FailingOver to be true")
	}
	// The stale streaming handle must not look like a live transport.
	if session.ActiveTransport() != TransportNone {
		t.Errorf("Expected transport %s during failover, got %s", TransportNone, session.ActiveTransport())
	}

	if err := session.CompleteFailover(TransportChunked); err != nil {
		t.Fatalf("CompleteFailover failed: %v", err)
	}
	if session.FailingOver() {
		t.Error("Expected FailingOver to be false after completion")
	}
	if session.ActiveTransport() != TransportChunked {
		t.Errorf("Expected transport %s, got %s", TransportChunked, session.ActiveTransport())
	}

	if err := session.CompleteFailover(TransportChunked); err == nil {
		t.Error("Expected error completing a failover that is not in progress")
	}
}

func TestCallSessionCap(t *testing.T) {
	session := NewCallSession("user-1", "conv-1", "free", 10*time.Millisecond)
	if session.CapReached() {
		t.Error("Cap should not be reached before the session begins")
	}

	if err := session.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if !session.CapReached() {
		t.Error("Expected cap to be reached")
	}
}

func TestCallSessionElapsedFrozenAfterEnd(t *testing.T) {
	session := NewCallSession("user-1", "conv-1", "free", time.Minute)
	if err := session.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	session.End("stopped")

	first := session.Elapsed()
	time.Sleep(15 * time.Millisecond)
	if session.Elapsed() != first {
		t.Errorf("Expected elapsed to freeze at %s, got %s", first, session.Elapsed())
	}
}
