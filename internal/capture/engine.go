package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
)

// maxChunkInterval bounds the delivery cadence. Delivering only on stop is
// the known truncation failure: the device's internal buffer silently drops
// most of a long recording.
const maxChunkInterval = 150 * time.Millisecond

// queuedChunks bounds how far capture may run ahead of a busy consumer
// before the oldest chunk is dropped.
const queuedChunks = 64

// Engine owns the microphone device for one session and emits fixed-interval
// audio chunks for whichever transport channel is active. Capture never
// blocks on downstream consumption.
type Engine struct {
	device        Device
	sampleRate    int
	chunkInterval time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	seq     uint64
	pending []byte

	chunks    chan entities.AudioChunk
	errs      chan error
	wg        sync.WaitGroup
	closeOnce *sync.Once
}

// NewEngine creates a capture engine. Intervals above the delivery bound are
// clamped down to it.
func NewEngine(device Device, sampleRate int, chunkInterval time.Duration, logger *zap.Logger) *Engine {
	if chunkInterval <= 0 || chunkInterval > maxChunkInterval {
		logger.Warn("Clamping capture chunk interval",
			zap.Duration("requested", chunkInterval),
			zap.Duration("clamped", maxChunkInterval))
		chunkInterval = maxChunkInterval
	}
	return &Engine{
		device:        device,
		sampleRate:    sampleRate,
		chunkInterval: chunkInterval,
		logger:        logger,
	}
}

// Start opens the device with the profile's buffer size and begins emitting
// chunks. The returned channel closes when capture stops for any reason;
// Err carries the reason when the stop was not requested.
func (e *Engine) Start(ctx context.Context, profile DeviceProfile) (<-chan entities.AudioChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil, fmt.Errorf("capture already running")
	}

	bufferSamples := ClampBufferSize(profile.BufferSamples)
	if bufferSamples != profile.BufferSamples {
		e.logger.Warn("Clamped capture buffer size",
			zap.String("deviceClass", string(profile.Class)),
			zap.Int("requested", profile.BufferSamples),
			zap.Int("clamped", bufferSamples))
	}

	if err := e.device.Open(e.sampleRate, bufferSamples); err != nil {
		return nil, fmt.Errorf("%w: %v", entities.ErrPermissionDenied, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.seq = 0
	e.pending = nil
	e.chunks = make(chan entities.AudioChunk, queuedChunks)
	e.errs = make(chan error, 1)
	e.closeOnce = &sync.Once{}

	e.logger.Info("Capture started",
		zap.String("deviceClass", string(profile.Class)),
		zap.Int("bufferSamples", bufferSamples),
		zap.Int("sampleRate", e.sampleRate),
		zap.Duration("chunkInterval", e.chunkInterval))

	e.wg.Add(2)
	go e.readLoop(ctx, bufferSamples)
	go e.deliverLoop(ctx)

	return e.chunks, nil
}

// Err reports an unrequested capture failure (device loss). At most one
// error is ever delivered per Start.
func (e *Engine) Err() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errs
}

// Stop ends capture, releases the device, and resets internal counters.
// Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	once := e.closeOnce
	e.mu.Unlock()

	cancel()
	// Closing the device unblocks a reader stuck in Read.
	e.releaseDevice(once)
	e.wg.Wait()
	e.logger.Info("Capture stopped")
}

// releaseDevice performs the full cleanup: device closed, counters reset.
func (e *Engine) releaseDevice(once *sync.Once) {
	once.Do(func() {
		if err := e.device.Close(); err != nil {
			e.logger.Warn("Failed to close capture device", zap.Error(err))
		}
		e.mu.Lock()
		e.seq = 0
		e.pending = nil
		e.mu.Unlock()
	})
}

func (e *Engine) readLoop(ctx context.Context, bufferSamples int) {
	defer e.wg.Done()

	buf := make([]byte, bufferSamples*2)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := e.device.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.pending = append(e.pending, buf[:n]...)
			e.mu.Unlock()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Device disappeared mid-capture. Clean up fully before anyone
			// makes a failover decision on the error.
			e.mu.Lock()
			e.running = false
			once := e.closeOnce
			e.mu.Unlock()
			e.releaseDevice(once)
			e.errs <- fmt.Errorf("%w: %v", entities.ErrDeviceLost, err)
			e.cancel()
			return
		}
	}
}

func (e *Engine) deliverLoop(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.chunks)

	ticker := time.NewTicker(e.chunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.emitPending()
			return
		case <-ticker.C:
			e.emitPending()
		}
	}
}

// emitPending cuts everything accumulated since the last tick into one chunk.
func (e *Engine) emitPending() {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	data := e.pending
	e.pending = nil
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	chunk := entities.AudioChunk{
		Data:       data,
		SampleRate: e.sampleRate,
		Seq:        seq,
		CapturedAt: time.Now(),
	}

	select {
	case e.chunks <- chunk:
	default:
		// Consumer is behind; drop the oldest queued chunk to keep capture
		// from blocking the rest of the pipeline.
		select {
		case dropped := <-e.chunks:
			e.logger.Warn("Capture queue full, dropping oldest chunk",
				zap.Uint64("droppedSeq", dropped.Seq))
		default:
		}
		select {
		case e.chunks <- chunk:
		default:
		}
	}
}
