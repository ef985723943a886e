package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/agentdeck-ai/agentdeck/internal/logging"
)

// Options describes one harness invocation.
type Options struct {
	// Prompt is the user's message text.
	Prompt string
	// Directory is the working directory the harness operates in.
	Directory string
	// Model selects the model, when set.
	Model string
	// PermissionMode selects the harness permission mode, when set.
	PermissionMode string
	// Resume is the opaque continuation token from a previous turn. When
	// set the harness restores that conversation's context.
	Resume string
}

// Runner starts a harness turn and yields its message stream.
type Runner interface {
	Run(ctx context.Context, opts Options) (Stream, error)
}

// Stream yields the messages of one turn. Recv returns io.EOF when the
// harness finishes cleanly.
type Stream interface {
	Recv() (StreamMessage, error)
	Close() error
}

// Client runs the harness CLI as a subprocess and decodes its stdout.
type Client struct {
	// Command is the harness binary. Defaults to "claude".
	Command string
}

// NewClient creates a client for the given harness binary.
func NewClient(command string) *Client {
	if command == "" {
		command = "claude"
	}
	return &Client{Command: command}
}

// Run starts a harness subprocess. Cancelling ctx kills the subprocess;
// the harness is never force-killed by any other path.
func (c *Client) Run(ctx context.Context, opts Options) (Stream, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	args = append(args, opts.Prompt)

	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = opts.Directory

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Command, err)
	}

	logging.Debug().
		Str("command", c.Command).
		Str("directory", opts.Directory).
		Bool("resume", opts.Resume != "").
		Msg("harness started")

	scanner := bufio.NewScanner(stdout)
	// Assistant text and tool outputs can produce very long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	return &cliStream{cmd: cmd, scanner: scanner, stderr: &stderr}, nil
}

type cliStream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	done    bool
}

// Recv returns the next decoded message. Lines that are not JSON objects
// are skipped; the stream ends with io.EOF after a clean exit.
func (s *cliStream) Recv() (StreamMessage, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		msg, err := UnmarshalStreamMessage(line)
		if err != nil {
			return nil, err
		}
		return msg, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		s.cmd.Wait()
		return nil, fmt.Errorf("harness stream: %w", err)
	}
	if err := s.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(s.stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("harness exited: %s", msg)
	}
	return nil, io.EOF
}

// Close reaps the subprocess if the stream is abandoned early.
func (s *cliStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
