package build

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

// diagnosticTail bounds how much tool output a step failure carries.
const diagnosticTail = 4 << 10

// Command is one external tool invocation.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
}

func (c Command) String() string { return strings.Join(c.Argv, " ") }

// Runner executes commands, streaming their output to Output.
type Runner struct {
	// Output receives the combined stdout and stderr of every command.
	// Nil discards it.
	Output io.Writer
	// WaitDelay bounds how long a cancelled command may keep its pipes open.
	WaitDelay time.Duration
}

// Run executes cmd and returns a step error carrying the exit code and the
// tail of the tool output on failure. Cancellation of ctx kills the process.
func (r Runner) Run(ctx context.Context, cmd Command) error {
	if len(cmd.Argv) == 0 {
		return foundationerrors.StepError("empty command").Build()
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.WaitDelay = r.WaitDelay
	if c.WaitDelay == 0 {
		c.WaitDelay = 2 * time.Second
	}

	tail := NewTailBuffer(diagnosticTail)
	var w io.Writer = tail
	if r.Output != nil {
		w = io.MultiWriter(tail, r.Output)
	}
	c.Stdout = w
	c.Stderr = w

	err := c.Run()
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return foundationerrors.WrapError(ctxErr, foundationerrors.CategoryStep, "command cancelled").
			WithContext("command", cmd.String()).
			Build()
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return foundationerrors.WrapError(err, foundationerrors.CategoryStep, "command failed").
		WithContext("command", cmd.String()).
		WithContext("exit_code", exitCode).
		WithContext("output", tail.String()).
		UserAction().
		Build()
}

// TailBuffer keeps the last max bytes written to it. It is safe for
// concurrent writers.
type TailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func NewTailBuffer(limit int) *TailBuffer {
	return &TailBuffer{max: limit}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
