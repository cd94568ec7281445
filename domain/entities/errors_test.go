package entities

import (
	"fmt"
	"testing"
)

func TestIsFailoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"buffer negotiation", ErrBufferNegotiationFailed, true},
		{"connection reset", ErrConnectionReset, true},
		{"malformed handshake", ErrMalformedHandshake, true},
		{"wrapped reset", fmt.Errorf("mid-turn: %w", ErrConnectionReset), true},
		{"device lost", ErrDeviceLost, false},
		{"permission denied", ErrPermissionDenied, false},
		{"stream timeout", ErrStreamTimeout, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFailoverable(tt.err); got != tt.want {
				t.Errorf("IsFailoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorKind(t *testing.T) {
	if kind := ErrorKind(fmt.Errorf("turn: %w", ErrStreamTimeout)); kind != "stream_timeout" {
		t.Errorf("Expected stream_timeout, got %s", kind)
	}
	if kind := ErrorKind(fmt.Errorf("boom")); kind != "internal" {
		t.Errorf("Expected internal, got %s", kind)
	}
}
