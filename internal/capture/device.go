package capture

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
)

// Device is a raw audio input. Read returns s16le mono PCM at the sample
// rate passed to Open. The engine owns exactly one open device per session.
type Device interface {
	Open(sampleRate, bufferSamples int) error
	Read(p []byte) (int, error)
	Close() error
}

// FFmpegDevice captures the default microphone through an ffmpeg subprocess,
// reading s16le PCM from its stdout. Platform input selection mirrors what
// ffmpeg itself expects: avfoundation on macOS, alsa elsewhere.
type FFmpegDevice struct {
	path   string
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// NewFFmpegDevice returns a device using the given ffmpeg binary, or plain
// "ffmpeg" from PATH when empty.
func NewFFmpegDevice(path string) *FFmpegDevice {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegDevice{path: path}
}

func (d *FFmpegDevice) Open(sampleRate, bufferSamples int) error {
	if d.cmd != nil {
		return fmt.Errorf("device already open")
	}

	var inputArgs []string
	if runtime.GOOS == "darwin" {
		inputArgs = []string{"-f", "avfoundation", "-i", ":0"}
	} else {
		inputArgs = []string{"-f", "alsa", "-i", "default"}
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, inputArgs...)
	args = append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"-blocksize", strconv.Itoa(bufferSamples*2),
		"pipe:1",
	)

	cmd := exec.Command(d.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		return fmt.Errorf("failed to start capture process: %w", err)
	}

	d.cmd = cmd
	d.stdout = stdout
	return nil
}

func (d *FFmpegDevice) Read(p []byte) (int, error) {
	if d.stdout == nil {
		return 0, fmt.Errorf("device not open")
	}
	return d.stdout.Read(p)
}

func (d *FFmpegDevice) Close() error {
	if d.cmd == nil {
		return nil
	}
	d.stdout.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	// Kill makes Wait report an exit error; that is the expected shutdown path.
	_ = d.cmd.Wait()
	d.cmd = nil
	d.stdout = nil
	return nil
}
