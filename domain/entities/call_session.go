package entities

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a call session.
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionStarting SessionState = "starting"
	SessionActive   SessionState = "active"
	SessionEnding   SessionState = "ending"
	SessionEnded    SessionState = "ended"
)

// Transport identifies which channel variant currently carries the call.
type Transport string

const (
	TransportNone      Transport = "none"
	TransportStreaming Transport = "streaming"
	TransportChunked   Transport = "chunked"
)

// TurnStatus is the per-turn progress indicator surfaced to the UI layer.
type TurnStatus string

const (
	TurnCapturing    TurnStatus = "capturing"
	TurnTranscribing TurnStatus = "transcribing"
	TurnThinking     TurnStatus = "thinking"
	TurnSpeaking     TurnStatus = "speaking"
)

// DefaultDurationCap is the hard per-call time budget.
const DefaultDurationCap = 30 * time.Minute

// CallSession represents one voice conversation. It is owned exclusively by
// the session state machine; other components receive it by reference and
// never mutate it directly. Ended is terminal.
type CallSession struct {
	ID             string
	ConversationID string
	UserID         string
	Tier           string

	mu          sync.Mutex
	state       SessionState
	transport   Transport
	failingOver bool
	startedAt   time.Time
	endedAt     time.Time
	endReason   string
	durationCap time.Duration
}

// NewCallSession creates a session in the Idle state.
func NewCallSession(userID, conversationID, tier string, cap time.Duration) *CallSession {
	if cap <= 0 {
		cap = DefaultDurationCap
	}
	return &CallSession{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Tier:           tier,
		state:          SessionIdle,
		transport:      TransportNone,
		durationCap:    cap,
	}
}

// Begin moves Idle -> Starting and records the start timestamp.
func (s *CallSession) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionIdle {
		return fmt.Errorf("cannot begin session in state %q", s.state)
	}
	s.state = SessionStarting
	s.startedAt = time.Now()
	return nil
}

// Activate moves Starting -> Active on the given transport.
func (s *CallSession) Activate(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStarting {
		return fmt.Errorf("cannot activate session in state %q", s.state)
	}
	if t == TransportNone {
		return fmt.Errorf("cannot activate with transport %q", t)
	}
	s.state = SessionActive
	s.transport = t
	return nil
}

// BeginFailover marks the FailingOver sub-state while the session stays
// Active. The streaming transport is dropped immediately so a concurrent
// start request cannot mistake the stale handle for a live call.
func (s *CallSession) BeginFailover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return fmt.Errorf("cannot fail over in state %q", s.state)
	}
	s.failingOver = true
	s.transport = TransportNone
	return nil
}

// CompleteFailover clears the FailingOver sub-state and records the new
// transport the call continues on.
func (s *CallSession) CompleteFailover(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive || !s.failingOver {
		return fmt.Errorf("no failover in progress (state %q)", s.state)
	}
	s.failingOver = false
	s.transport = t
	return nil
}

// BeginEnding moves Starting/Active -> Ending.
func (s *CallSession) BeginEnding() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SessionStarting, SessionActive:
		s.state = SessionEnding
		s.failingOver = false
		s.transport = TransportNone
		return nil
	default:
		return fmt.Errorf("cannot end session in state %q", s.state)
	}
}

// End moves the session to the terminal Ended state. reason is the stable
// status identifier the UI receives ("stopped", "duration_cap_reached",
// "error:<kind>").
func (s *CallSession) End(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionEnded {
		return
	}
	s.state = SessionEnded
	s.failingOver = false
	s.transport = TransportNone
	s.endedAt = time.Now()
	s.endReason = reason
}

// State returns the current lifecycle state.
func (s *CallSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveTransport returns the transport currently carrying the call.
func (s *CallSession) ActiveTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// FailingOver reports whether a failover is in progress.
func (s *CallSession) FailingOver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failingOver
}

// Elapsed returns time since the session began. Zero before Begin; frozen
// once the session has ended.
func (s *CallSession) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *CallSession) elapsedLocked() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// StartedAt returns when the session began; zero before Begin.
func (s *CallSession) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// CapReached reports whether the hard duration cap has been hit.
func (s *CallSession) CapReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.startedAt.IsZero() && s.elapsedLocked() >= s.durationCap
}

// DurationCap returns the configured hard cap.
func (s *CallSession) DurationCap() time.Duration {
	return s.durationCap
}

// SessionStatus is an immutable snapshot handed to the UI layer.
type SessionStatus struct {
	SessionID      string       `json:"session_id"`
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id"`
	State          SessionState `json:"state"`
	Transport      Transport    `json:"transport"`
	FailingOver    bool         `json:"failing_over,omitempty"`
	ElapsedMs      int64        `json:"elapsed_ms"`
	EndReason      string       `json:"end_reason,omitempty"`
}

// Snapshot returns the current status of the session.
func (s *CallSession) Snapshot() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		SessionID:      s.ID,
		ConversationID: s.ConversationID,
		UserID:         s.UserID,
		State:          s.state,
		Transport:      s.transport,
		FailingOver:    s.failingOver,
		ElapsedMs:      s.elapsedLocked().Milliseconds(),
		EndReason:      s.endReason,
	}
}
