package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rshade/leaserun/internal/cache"
	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/logging"
)

// Environment variables set for every job command.
const (
	EnvJobID      = "LEASERUN_JOB_ID"
	EnvJobPayload = "LEASERUN_JOB_PAYLOAD"
)

// maxOutputTail is how much command output is kept on a CommandError.
const maxOutputTail = 512

// waitDelay bounds how long a killed command's children may hold its output open.
const waitDelay = time.Second

// ErrEmptyCommand is returned when no command is configured.
var ErrEmptyCommand = errors.New("job command cannot be empty")

// PayloadSource looks up job payloads.
type PayloadSource interface {
	Payload(ctx context.Context, id lease.JobID) ([]byte, error)
}

// CommandError reports a job command that exited unsuccessfully.
type CommandError struct {
	JobID    lease.JobID
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("job %s: command exited with status %d", e.JobID, e.ExitCode)
	}
	return fmt.Sprintf("job %s: command failed: %v", e.JobID, e.Err)
}

// Unwrap returns the underlying exec error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// CommandHandler runs a shell command per job. The payload is passed both in
// LEASERUN_JOB_PAYLOAD and on stdin.
type CommandHandler struct {
	Command  string
	Shell    string
	Timeout  time.Duration
	Payloads PayloadSource

	// Cache, when set, serves payload lookups.
	Cache *cache.Memory
}

// NewCommandHandler creates a handler running command with sh.
func NewCommandHandler(command string, payloads PayloadSource, timeout time.Duration) *CommandHandler {
	return &CommandHandler{Command: command, Shell: "sh", Timeout: timeout, Payloads: payloads}
}

// WithCache routes payload lookups through c.
func (h *CommandHandler) WithCache(c *cache.Memory) *CommandHandler {
	h.Cache = c
	return h
}

// Handle implements Handler.
func (h *CommandHandler) Handle(ctx context.Context, id lease.JobID) error {
	if h.Command == "" {
		return ErrEmptyCommand
	}

	payload, err := h.payload(ctx, id)
	if err != nil {
		return fmt.Errorf("loading payload for job %s: %w", id, err)
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	shell := h.Shell
	if shell == "" {
		shell = "sh"
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", h.Command)
	cmd.Env = append(os.Environ(),
		EnvJobID+"="+id.String(),
		EnvJobPayload+"="+string(payload),
	)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = waitDelay

	log := logging.ComponentLogger(*logging.FromContext(ctx), "executor")
	start := time.Now()
	runErr := cmd.Run()
	log.Debug().
		Stringer("job_id", id).
		Dur("duration", time.Since(start)).
		Int("output_bytes", out.Len()).
		Msg("command finished")

	if runErr == nil {
		return nil
	}

	cmdErr := &CommandError{JobID: id, ExitCode: -1, Output: tail(out.Bytes()), Err: runErr}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && ctx.Err() == nil {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		cmdErr.Err = fmt.Errorf("%w: %w", ctx.Err(), runErr)
	}
	return cmdErr
}

func (h *CommandHandler) payload(ctx context.Context, id lease.JobID) ([]byte, error) {
	if h.Payloads == nil {
		return nil, nil
	}
	if h.Cache == nil {
		return h.Payloads.Payload(ctx, id)
	}
	return h.Cache.GetOrLoad(ctx, "payload/"+id.String(), func(ctx context.Context) ([]byte, error) {
		return h.Payloads.Payload(ctx, id)
	})
}

func tail(b []byte) string {
	if len(b) > maxOutputTail {
		b = b[len(b)-maxOutputTail:]
	}
	return string(bytes.TrimSpace(b))
}
