package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
)

// Item is one fully assembled audio payload awaiting playback
type Item struct {
	Seq       int
	MessageID string
	Text      string
	Audio     []byte
}

// Sink plays a single payload to completion
type Sink interface {
	Play(ctx context.Context, item Item) error
}

// WriterSink streams raw payload bytes to an io.Writer, typically
// stdout or a file
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Play writes the payload bytes through
func (s *WriterSink) Play(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(item.Audio); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// ExecSink pipes each payload into an external player process, one
// process per payload
type ExecSink struct {
	path string
	args []string
}

// NewExecSink parses a shell-style player command such as "aplay -q -".
// The player must read WAV data on stdin and exit when it finishes.
func NewExecSink(command string) (*ExecSink, error) {
	parts, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("player command is empty")
	}
	return &ExecSink{path: parts[0], args: parts[1:]}, nil
}

// Command returns the player binary the sink will launch
func (s *ExecSink) Command() string {
	return s.path
}

// Play runs one player process to completion, feeding the payload on
// stdin. Cancelling the context kills the process.
func (s *ExecSink) Play(ctx context.Context, item Item) error {
	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Stdin = bytes.NewReader(item.Audio)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("player %s: %w: %s", s.path, err, msg)
		}
		return fmt.Errorf("player %s: %w", s.path, err)
	}
	return nil
}
