// Package session owns the call lifecycle: one state machine per active
// session, channel selection with failover, the duration-cap watchdog, and
// ordered teardown. It is the only component that mutates CallSession.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
	"github.com/novavoice/callpipe/internal/capture"
	"github.com/novavoice/callpipe/internal/transport"
)

// CaptureEngine is the capture surface the machine drives.
type CaptureEngine interface {
	Start(ctx context.Context, profile capture.DeviceProfile) (<-chan entities.AudioChunk, error)
	Err() <-chan error
	Stop()
}

// PlaybackQueue is the playback surface the machine drives, one per turn.
type PlaybackQueue interface {
	Enqueue(entities.PlaybackSegment)
	Finish()
	Clear()
	Drain(ctx context.Context) error
}

// ErrSessionNotFound reports an operation on an unknown or ended session.
var ErrSessionNotFound = errors.New("session not found")

// errCaptureClosed ends the turn loop when the chunk stream closes without a
// device error (capture was stopped underneath the loop).
var errCaptureClosed = errors.New("capture stream closed")

// Config holds the machine's tunables.
type Config struct {
	// DurationCap is the hard per-call budget; zero means the default.
	DurationCap time.Duration
	// CapPollInterval is the watchdog cadence. The cap is enforced within
	// one interval even mid-turn.
	CapPollInterval time.Duration
	// MaxUtterance cuts a turn's audio window when the client never signals
	// end of turn.
	MaxUtterance time.Duration
}

// Deps wires the machine to the rest of the pipeline. Factories run once per
// session so each call owns its device, channels, and queues.
type Deps struct {
	NewEngine   func() CaptureEngine
	NewChannels func(sessionID string, profile capture.DeviceProfile, history func() []repositories.ChatMessage) (StreamingTransport, transport.Channel)
	NewQueue    func() PlaybackQueue
	Transcripts repositories.TranscriptStore
	Notifier    *Notifier
}

// Machine runs every active call. It enforces one session per user, the
// duration cap, and the teardown order: capture stopped, queue cleared,
// channel torn down, transcript persisted, UI notified.
type Machine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	byUser map[string]*call
	byID   map[string]*call
}

type call struct {
	session  *entities.CallSession
	engine   CaptureEngine
	failover *FailoverController
	cancel   context.CancelFunc
	done     chan struct{}
	endTurn  chan struct{}

	mu        sync.Mutex
	queue     PlaybackQueue
	history   []repositories.ChatMessage
	turns     []repositories.TranscriptTurn
	endReason string
}

// NewMachine creates the session state machine.
func NewMachine(cfg Config, deps Deps, logger *zap.Logger) *Machine {
	if cfg.CapPollInterval <= 0 {
		cfg.CapPollInterval = time.Second
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 15 * time.Second
	}
	return &Machine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		byUser: make(map[string]*call),
		byID:   make(map[string]*call),
	}
}

// Start creates and activates a session for the user. A user with a live
// session gets ErrSessionAlreadyActive; a capture permission denial means the
// session never starts.
func (m *Machine) Start(ctx context.Context, userID, conversationID, tier string, profile capture.DeviceProfile) (entities.SessionStatus, error) {
	session := entities.NewCallSession(userID, conversationID, tier, m.cfg.DurationCap)
	c := &call{
		session: session,
		done:    make(chan struct{}),
		endTurn: make(chan struct{}, 1),
	}

	m.mu.Lock()
	if existing, ok := m.byUser[userID]; ok {
		m.mu.Unlock()
		return entities.SessionStatus{}, fmt.Errorf("%w: session %s", entities.ErrSessionAlreadyActive, existing.session.ID)
	}
	m.byUser[userID] = c
	m.byID[session.ID] = c
	m.mu.Unlock()

	if err := session.Begin(); err != nil {
		m.remove(c)
		return entities.SessionStatus{}, err
	}

	// Session lifetime is decoupled from the start request's context; only
	// Stop and the cap watchdog end it.
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.engine = m.deps.NewEngine()
	chunks, err := c.engine.Start(runCtx, profile)
	if err != nil {
		cancel()
		m.remove(c)
		session.End("error:" + entities.ErrorKind(err))
		m.logger.Warn("Session refused, capture could not start",
			zap.String("userID", userID),
			zap.Error(err))
		return entities.SessionStatus{}, err
	}

	streaming, chunked := m.deps.NewChannels(session.ID, profile, c.historySnapshot)
	c.failover = NewFailoverController(streaming, chunked, m.logger)
	c.failover.OnFallback = func() {
		if err := session.BeginFailover(); err != nil {
			m.logger.Warn("Failover transition rejected", zap.Error(err))
			return
		}
		m.publish(c, "", "failover")
	}

	initial := entities.TransportChunked
	if streaming != nil {
		initial = entities.TransportStreaming
	}
	if err := session.Activate(initial); err != nil {
		cancel()
		c.engine.Stop()
		m.remove(c)
		return entities.SessionStatus{}, err
	}

	m.logger.Info("Session started",
		zap.String("sessionID", session.ID),
		zap.String("userID", userID),
		zap.String("transport", string(initial)),
		zap.Duration("durationCap", session.DurationCap()))

	go m.run(runCtx, c, chunks)
	m.publish(c, entities.TurnCapturing, "")
	return session.Snapshot(), nil
}

// Stop ends a session on explicit request and waits for teardown.
func (m *Machine) Stop(sessionID string) error {
	c := m.lookup(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.end(c, ReasonStopped)
	<-c.done
	return nil
}

// EndTurn signals that the current utterance is complete (push-to-talk
// release). Safe to call at any time; redundant signals are dropped.
func (m *Machine) EndTurn(sessionID string) error {
	c := m.lookup(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	select {
	case c.endTurn <- struct{}{}:
	default:
	}
	return nil
}

// Status returns a snapshot of an active session.
func (m *Machine) Status(sessionID string) (entities.SessionStatus, error) {
	c := m.lookup(sessionID)
	if c == nil {
		return entities.SessionStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return c.session.Snapshot(), nil
}

// ActiveSessions returns snapshots of every live session.
func (m *Machine) ActiveSessions() []entities.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entities.SessionStatus, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c.session.Snapshot())
	}
	return out
}

// Shutdown stops every active session. Used on process shutdown.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	calls := make([]*call, 0, len(m.byID))
	for _, c := range m.byID {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		m.end(c, ReasonStopped)
		<-c.done
	}
}

func (m *Machine) lookup(sessionID string) *call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[sessionID]
}

func (m *Machine) remove(c *call) {
	m.mu.Lock()
	delete(m.byUser, c.session.UserID)
	delete(m.byID, c.session.ID)
	m.mu.Unlock()
}

// end requests termination. The run loop performs the actual teardown.
func (m *Machine) end(c *call, reason string) {
	c.mu.Lock()
	if c.endReason == "" {
		c.endReason = reason
	}
	c.mu.Unlock()

	if err := c.session.BeginEnding(); err == nil {
		m.publish(c, "", reason)
	}
	c.cancel()
}

// run is the per-session loop: turns execute sequentially until the session
// ends, with the cap watchdog running alongside.
func (m *Machine) run(ctx context.Context, c *call, chunks <-chan entities.AudioChunk) {
	defer close(c.done)
	go m.watchCap(ctx, c)

	for ctx.Err() == nil {
		err := m.runTurn(ctx, c, chunks)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		switch {
		case errors.Is(err, entities.ErrDeviceLost):
			c.mu.Lock()
			if c.endReason == "" {
				c.endReason = "error:" + entities.ErrorKind(err)
			}
			c.mu.Unlock()
			m.logger.Error("Capture device lost, ending session",
				zap.String("sessionID", c.session.ID),
				zap.Error(err))
		case errors.Is(err, errCaptureClosed):
			// Stopped underneath us; the end reason is already set.
		case errors.Is(err, entities.ErrPlaybackStalled):
			// Non-fatal: surface and keep the call alive.
			m.publish(c, "", "error:"+entities.ErrorKind(err))
			continue
		default:
			m.logger.Warn("Turn failed",
				zap.String("sessionID", c.session.ID),
				zap.String("kind", entities.ErrorKind(err)),
				zap.Error(err))
			m.publish(c, "", "error:"+entities.ErrorKind(err))
			continue
		}
		break
	}

	m.teardown(c)
}

// teardown runs the ordered shutdown sequence and moves the session to its
// terminal state.
func (m *Machine) teardown(c *call) {
	// Terminal failures (device loss, capture closed) reach here without
	// going through end(); cancel is idempotent and must not be skipped, or
	// the cap watchdog outlives the session.
	c.cancel()
	c.engine.Stop()

	c.mu.Lock()
	queue := c.queue
	reason := c.endReason
	c.mu.Unlock()
	if queue != nil {
		// Clear, never drain: draining would play stale audio into an
		// ended call.
		queue.Clear()
	}
	c.failover.Teardown()

	if reason == "" {
		reason = ReasonStopped
	}
	_ = c.session.BeginEnding()
	c.session.End(reason)

	m.persist(c)
	m.publish(c, "", reason)
	m.remove(c)

	m.logger.Info("Session ended",
		zap.String("sessionID", c.session.ID),
		zap.String("reason", reason),
		zap.Duration("elapsed", c.session.Elapsed()))
}

// watchCap enforces the duration cap independently of the transport. The cap
// ends the call even mid-turn, within one poll interval.
func (m *Machine) watchCap(ctx context.Context, c *call) {
	ticker := time.NewTicker(m.cfg.CapPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.session.CapReached() {
				m.logger.Info("Session duration cap reached",
					zap.String("sessionID", c.session.ID),
					zap.Duration("cap", c.session.DurationCap()))
				m.end(c, ReasonDurationCap)
				return
			}
		}
	}
}

// runTurn executes one capture→transcribe→respond→speak cycle.
func (m *Machine) runTurn(ctx context.Context, c *call, chunks <-chan entities.AudioChunk) error {
	window := make(chan entities.AudioChunk, 64)
	var captureClosed bool
	feederDone := make(chan struct{})

	go func() {
		defer close(feederDone)
		defer close(window)
		cutoff := time.NewTimer(m.cfg.MaxUtterance)
		defer cutoff.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.endTurn:
				m.publish(c, entities.TurnTranscribing, "")
				return
			case <-cutoff.C:
				m.publish(c, entities.TurnTranscribing, "")
				return
			case chunk, ok := <-chunks:
				if !ok {
					captureClosed = true
					return
				}
				select {
				case window <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	queue := m.deps.NewQueue()
	c.mu.Lock()
	c.queue = queue
	c.mu.Unlock()

	playDone := make(chan error, 1)
	go func() { playDone <- queue.Drain(ctx) }()

	m.publish(c, entities.TurnCapturing, "")

	var transcript, response string
	var speaking bool
	events := TurnEvents{
		OnTranscript: func(ev entities.TranscriptEvent) {
			if ev.Final {
				transcript = ev.Text
				m.publish(c, entities.TurnThinking, "")
			}
		},
		OnDelta: func(d entities.ResponseDelta) {
			response += d.Text
		},
		OnSegment: func(s entities.PlaybackSegment) {
			if !speaking {
				speaking = true
				m.publish(c, entities.TurnSpeaking, "")
			}
			queue.Enqueue(s)
		},
	}

	used, err := c.failover.RunTurn(ctx, window, events)
	<-feederDone

	if c.session.FailingOver() {
		if ferr := c.session.CompleteFailover(used); ferr == nil {
			m.publish(c, "", "")
		}
	}

	if err != nil {
		queue.Clear()
		<-playDone
		return err
	}

	queue.Finish()
	if perr := <-playDone; perr != nil && errors.Is(perr, entities.ErrPlaybackStalled) {
		return perr
	}

	if transcript != "" {
		now := time.Now()
		c.mu.Lock()
		c.history = append(c.history,
			repositories.ChatMessage{Role: repositories.UserRole, Content: transcript},
			repositories.ChatMessage{Role: repositories.AssistantRole, Content: response})
		c.turns = append(c.turns,
			repositories.TranscriptTurn{Role: repositories.UserRole, Text: transcript, Timestamp: now},
			repositories.TranscriptTurn{Role: repositories.AssistantRole, Text: response, Timestamp: now})
		c.mu.Unlock()
	}

	select {
	case derr := <-c.engine.Err():
		return derr
	default:
	}
	if captureClosed {
		return errCaptureClosed
	}
	return nil
}

// persist hands the finalized transcript to storage without blocking
// teardown. Failures are logged, never propagated.
func (m *Machine) persist(c *call) {
	if m.deps.Transcripts == nil {
		return
	}
	snap := c.session.Snapshot()
	c.mu.Lock()
	turns := make([]repositories.TranscriptTurn, len(c.turns))
	copy(turns, c.turns)
	c.mu.Unlock()

	record := repositories.TranscriptRecord{
		SessionID:      snap.SessionID,
		ConversationID: snap.ConversationID,
		UserID:         snap.UserID,
		Tier:           c.session.Tier,
		StartedAt:      c.session.StartedAt(),
		DurationMs:     snap.ElapsedMs,
		EndReason:      snap.EndReason,
		Turns:          turns,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.deps.Transcripts.SaveTranscript(ctx, record); err != nil {
			m.logger.Error("Failed to persist transcript",
				zap.String("sessionID", record.SessionID),
				zap.Error(err))
		}
	}()
}

func (m *Machine) publish(c *call, turn entities.TurnStatus, detail string) {
	if m.deps.Notifier == nil {
		return
	}
	snap := c.session.Snapshot()
	m.deps.Notifier.Publish(StatusUpdate{
		SessionID: snap.SessionID,
		State:     snap.State,
		Transport: snap.Transport,
		Turn:      turn,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

func (c *call) historySnapshot() []repositories.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]repositories.ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}
