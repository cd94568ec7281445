package playback

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// Sink renders PCM audio. The queue writes segments to it strictly in order.
type Sink interface {
	Write(p []byte) error
	Close() error
}

// FFplaySink plays s16le mono PCM through an ffplay subprocess fed on stdin.
type FFplaySink struct {
	path       string
	sampleRate int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewFFplaySink returns a sink using the given ffplay binary, or "ffplay"
// from PATH when empty.
func NewFFplaySink(path string, sampleRate int) *FFplaySink {
	if path == "" {
		path = "ffplay"
	}
	return &FFplaySink{path: path, sampleRate: sampleRate}
}

func (s *FFplaySink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin == nil {
		if err := s.startLocked(); err != nil {
			return err
		}
	}
	if _, err := s.stdin.Write(p); err != nil {
		return fmt.Errorf("playback write failed: %w", err)
	}
	return nil
}

func (s *FFplaySink) startLocked() error {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open playback pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("failed to start playback process: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	go cmd.Wait()
	return nil
}

func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	return nil
}
