package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
)

// Queue buffers synthesized segments and plays them strictly in sequence
// order, even when synthesis completes out of order. A missing index is
// skipped after the stall timeout: silence with a logged gap beats a
// permanently stuck call.
type Queue struct {
	sink         Sink
	stallTimeout time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	pending  map[int]entities.PlaybackSegment
	next     int
	maxSeen  int
	finished bool
	cleared  bool

	wake chan struct{}
}

// NewQueue creates a playback queue writing to sink. The stall timeout is
// tuned well above expected synthesis latency; it exists so a genuinely
// stuck call self-recovers instead of hanging.
func NewQueue(sink Sink, stallTimeout time.Duration, logger *zap.Logger) *Queue {
	if stallTimeout <= 0 {
		stallTimeout = 30 * time.Second
	}
	return &Queue{
		sink:         sink,
		stallTimeout: stallTimeout,
		logger:       logger,
		pending:      make(map[int]entities.PlaybackSegment),
		maxSeen:      -1,
		wake:         make(chan struct{}, 1),
	}
}

// Enqueue adds a segment. Order of arrival does not matter.
func (q *Queue) Enqueue(seg entities.PlaybackSegment) {
	q.mu.Lock()
	if q.cleared || seg.Index < q.next {
		// Late segment for a position already played or a torn-down queue.
		q.mu.Unlock()
		return
	}
	if seg.EnqueuedAt.IsZero() {
		seg.EnqueuedAt = time.Now()
	}
	q.pending[seg.Index] = seg
	if seg.Index > q.maxSeen {
		q.maxSeen = seg.Index
	}
	q.mu.Unlock()
	q.signal()
}

// Finish marks that no further segments will be enqueued for this turn.
func (q *Queue) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// Clear discards everything without playing it. Used on teardown and
// interruption: draining could play stale audio into an ended call.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.pending = make(map[int]entities.PlaybackSegment)
	q.cleared = true
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of segments waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain plays queued segments in index order until the turn finishes. It
// returns ErrPlaybackStalled when no playable segment arrives within the
// stall timeout; the caller may surface that without ending the session.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.cleared {
			q.mu.Unlock()
			return nil
		}
		if seg, ok := q.pending[q.next]; ok {
			delete(q.pending, q.next)
			q.next++
			q.mu.Unlock()

			if err := q.sink.Write(seg.Data); err != nil {
				return fmt.Errorf("failed to play segment %d: %w", seg.Index, err)
			}
			continue
		}
		if q.finished && q.next > q.maxSeen {
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-time.After(q.stallTimeout):
			if skipped := q.skipGap(); skipped {
				continue
			}
			return fmt.Errorf("%w: no segment after %s", entities.ErrPlaybackStalled, q.stallTimeout)
		}
	}
}

// skipGap advances past a missing index when later segments are already
// waiting. Returns false when there is nothing to skip to.
func (q *Queue) skipGap() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return false
	}
	lowest := -1
	for idx := range q.pending {
		if lowest == -1 || idx < lowest {
			lowest = idx
		}
	}
	q.logger.Warn("Skipping missing playback segments",
		zap.Int("from", q.next),
		zap.Int("to", lowest))
	q.next = lowest
	return true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
