package entities

import "errors"

// Pipeline error taxonomy. Channels and the session state machine wrap these
// with fmt.Errorf("...: %w", err) so callers classify with errors.Is.
var (
	// ErrPermissionDenied means the microphone could not be opened at all.
	// The session never starts.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceLost means the capture device disappeared mid-session.
	// Terminal for the session after full capture cleanup.
	ErrDeviceLost = errors.New("capture device lost")

	// ErrBufferNegotiationFailed means the streaming transport rejected the
	// requested audio buffer size. Recovered via failover.
	ErrBufferNegotiationFailed = errors.New("buffer size negotiation failed")

	// ErrMalformedHandshake means the streaming transport answered the turn
	// handshake with something unparseable. Recovered via failover.
	ErrMalformedHandshake = errors.New("malformed transport handshake")

	// ErrConnectionReset means the streaming connection dropped before the
	// turn completed. Recovered via failover.
	ErrConnectionReset = errors.New("transport connection reset")

	// ErrStreamTimeout means a response stream produced neither data nor a
	// terminator within the configured window.
	ErrStreamTimeout = errors.New("response stream timed out")

	// ErrPlaybackStalled means a queued segment could not be played within
	// the stall timeout. Non-fatal; the session continues.
	ErrPlaybackStalled = errors.New("playback stalled")

	// ErrSessionAlreadyActive means the user already has a non-ended session.
	ErrSessionAlreadyActive = errors.New("session already active for user")

	// ErrDurationCapReached is a normal termination, not a failure: the
	// session hit its hard duration cap.
	ErrDurationCapReached = errors.New("session duration cap reached")
)

// IsFailoverable reports whether a streaming-channel failure should be
// retried on the chunked channel instead of surfacing to the user.
func IsFailoverable(err error) bool {
	return errors.Is(err, ErrBufferNegotiationFailed) ||
		errors.Is(err, ErrMalformedHandshake) ||
		errors.Is(err, ErrConnectionReset)
}

// ErrorKind maps a pipeline error to the stable identifier the UI layer
// receives in `error:<kind>` statuses.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDeviceLost):
		return "device_lost"
	case errors.Is(err, ErrBufferNegotiationFailed):
		return "buffer_negotiation_failed"
	case errors.Is(err, ErrMalformedHandshake):
		return "malformed_handshake"
	case errors.Is(err, ErrConnectionReset):
		return "connection_reset"
	case errors.Is(err, ErrStreamTimeout):
		return "stream_timeout"
	case errors.Is(err, ErrPlaybackStalled):
		return "playback_stalled"
	case errors.Is(err, ErrSessionAlreadyActive):
		return "session_already_active"
	case errors.Is(err, ErrDurationCapReached):
		return "duration_cap_reached"
	default:
		return "internal"
	}
}
