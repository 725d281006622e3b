package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrCommandNotFound is returned when the executable cannot be resolved.
	ErrCommandNotFound = errors.New("executable not found")

	// ErrCommandTimeout is returned when a command exceeds its timeout.
	ErrCommandTimeout = errors.New("command timed out")
)

// Command describes one process invocation.
type Command struct {
	Name    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration

	// Interactive commands share the caller's terminal: stdin is connected and
	// the process stays in the foreground process group so that sudo or a
	// package manager can prompt on the tty.
	Interactive bool
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Shell wraps a command line so it runs under /bin/sh -c.
func Shell(line string, timeout time.Duration) Command {
	return Command{Name: "sh", Args: []string{"-c", line}, Timeout: timeout}
}

// InteractiveShell is Shell for commands that may prompt the user.
func InteractiveShell(line string, timeout time.Duration) Command {
	c := Shell(line, timeout)
	c.Interactive = true
	return c
}

// Output is the captured result of a finished command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (o *Output) Combined() string {
	if o == nil {
		return ""
	}
	switch {
	case o.Stderr == "":
		return o.Stdout
	case o.Stdout == "":
		return o.Stderr
	default:
		return o.Stdout + "\n" + o.Stderr
	}
}

// CommandRunner executes external processes.
//
// Run returns a nil error for a command that started and exited, whatever its
// exit code; callers inspect Output.ExitCode. A non-nil error means the command
// could not start (ErrCommandNotFound), exceeded its timeout (ErrCommandTimeout)
// or was cancelled by the caller's context.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*Output, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands on the local host. Non-interactive commands run in
// their own process group so that a timeout kills the whole tree.
type ExecRunner struct {
	// DefaultTimeout applies when Command.Timeout is zero. Zero means no limit
	// beyond the caller's context.
	DefaultTimeout time.Duration

	// WaitDelay bounds how long Run waits for output pipes after a kill.
	WaitDelay time.Duration

	// Stdin feeds interactive commands.
	Stdin io.Reader
}

// NewExecRunner creates a runner with the given default timeout.
func NewExecRunner(defaultTimeout time.Duration) *ExecRunner {
	return &ExecRunner{DefaultTimeout: defaultTimeout, WaitDelay: 2 * time.Second, Stdin: os.Stdin}
}

// LookPath implements CommandRunner.
func (r *ExecRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrCommandNotFound)
	}
	return path, nil
}

// command builds the process for c. Interactive commands keep the caller's
// process group and read from r.Stdin; a timeout kills only the direct child.
func (r *ExecRunner) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	// Stable, untranslated output for the parsers.
	cmd.Env = append(os.Environ(), "LC_ALL=C", "LANG=C")
	cmd.Env = append(cmd.Env, c.Env...)
	cmd.WaitDelay = r.WaitDelay

	if c.Interactive {
		cmd.Stdin = r.Stdin
		return cmd
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	return cmd
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Output, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = r.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := r.command(ctx, c)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out, fmt.Errorf("%s: %w", c.Name, ErrCommandTimeout)
		}
		return out, ctxErr
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", c.Name, ErrCommandNotFound)
		}
		return nil, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}

	return out, nil
}
