package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
)

// End reasons surfaced to the UI. Reaching the duration cap is a normal
// termination, not an error.
const (
	ReasonStopped     = "stopped"
	ReasonDurationCap = "duration_cap_reached"
)

// StatusUpdate is the per-session event the UI layer receives. It carries
// state transitions and turn progress only, never internal pipeline entities.
type StatusUpdate struct {
	SessionID string                `json:"session_id"`
	State     entities.SessionState `json:"state"`
	Transport entities.Transport    `json:"transport"`
	Turn      entities.TurnStatus   `json:"turn,omitempty"`
	Detail    string                `json:"detail,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// subscriberBuffer bounds how far a slow UI consumer may lag before updates
// are dropped for it.
const subscriberBuffer = 16

// Notifier fans session status updates out to per-session subscribers.
// Publishing never blocks; a subscriber that cannot keep up loses updates.
type Notifier struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]map[chan StatusUpdate]struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{
		logger: logger,
		subs:   make(map[string]map[chan StatusUpdate]struct{}),
	}
}

// Subscribe registers a listener for one session's updates. The returned
// cancel function unregisters it and closes the channel.
func (n *Notifier) Subscribe(sessionID string) (<-chan StatusUpdate, func()) {
	ch := make(chan StatusUpdate, subscriberBuffer)

	n.mu.Lock()
	if n.subs[sessionID] == nil {
		n.subs[sessionID] = make(map[chan StatusUpdate]struct{})
	}
	n.subs[sessionID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[sessionID], ch)
			if len(n.subs[sessionID]) == 0 {
				delete(n.subs, sessionID)
			}
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an update to every subscriber of its session.
func (n *Notifier) Publish(update StatusUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[update.SessionID] {
		select {
		case ch <- update:
		default:
			n.logger.Warn("Status subscriber lagging, dropping update",
				zap.String("sessionID", update.SessionID),
				zap.String("state", string(update.State)))
		}
	}
}
