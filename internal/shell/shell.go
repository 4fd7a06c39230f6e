package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// Result is the outcome of one external command. A non-zero Code is not an
// error from the runner's point of view; callers decide with Check.
type Result struct {
	Args   []string
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// CommandError reports an external tool that exited non-zero.
type CommandError struct {
	Args   []string
	Code   int
	Stderr string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", shellquote.Join(e.Args...), e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Err converts a non-zero exit into a *CommandError.
func (r Result) Err() error {
	if r.Code == 0 {
		return nil
	}
	return &CommandError{Args: r.Args, Code: r.Code, Stderr: string(r.Stderr)}
}

// Check folds a runner error and a non-zero exit into a single error.
func Check(res Result, err error) error {
	if err != nil {
		return err
	}
	return res.Err()
}

// Cmd describes a single invocation. Secret is written to stdin and is never
// logged or placed on the argument vector.
type Cmd struct {
	Args   []string
	Secret string
	Long   bool
}

func Command(name string, args ...string) Cmd {
	return Cmd{Args: append([]string{name}, args...)}
}

// Chroot runs name inside root via arch-chroot.
func Chroot(root, name string, args ...string) Cmd {
	return Cmd{Args: append([]string{"arch-chroot", root, name}, args...)}
}

func (c Cmd) WithSecret(s string) Cmd {
	c.Secret = s
	return c
}

// LongRunning selects the long timeout class (package bootstrap, image builds).
func (c Cmd) LongRunning() Cmd {
	c.Long = true
	return c
}

func (c Cmd) String() string {
	return shellquote.Join(c.Args...)
}

// Runner is the process boundary every component talks to.
type Runner interface {
	Run(ctx context.Context, c Cmd) (Result, error)
}

// Exec runs commands on the host. Zero timeouts disable the deadline.
type Exec struct {
	Log         zerolog.Logger
	Timeout     time.Duration
	LongTimeout time.Duration
}

func (e *Exec) Run(ctx context.Context, c Cmd) (Result, error) {
	if len(c.Args) == 0 {
		return Result{}, errors.New("empty command")
	}
	timeout := e.Timeout
	if c.Long {
		timeout = e.LongTimeout
	}
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, c.Args[0], c.Args[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if c.Secret != "" {
		cmd.Stdin = strings.NewReader(c.Secret)
	}

	start := time.Now()
	err := cmd.Run()
	res := Result{Args: c.Args, Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	e.Log.Debug().
		Str("cmd", c.String()).
		Bool("stdin", c.Secret != "").
		Int("code", res.Code).
		Dur("took", time.Since(start)).
		Msg("exec")

	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("%s: %w after %s", c.String(), ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		return res, fmt.Errorf("%s: %w", c.String(), err)
	}
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
