package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// KillGrace is how long a tool gets between SIGTERM and SIGKILL.
const KillGrace = 30 * time.Second

// outputTail bounds the captured output carried in errors.
const outputTail = 2048

// Runner starts external tools with the configured process priority.
type Runner struct {
	NiceBin     string
	Nice        int
	IONiceBin   string
	IONiceClass int
	Grace       time.Duration
}

func NewRunner(t Tools, nice, ioniceClass int) *Runner {
	return &Runner{NiceBin: t.Nice, Nice: nice, IONiceBin: t.IONice, IONiceClass: ioniceClass, Grace: KillGrace}
}

// argv prefixes bin with the nice and ionice wrappers when configured.
func (r *Runner) argv(bin string, args []string) []string {
	var out []string
	if r != nil && r.IONiceBin != "" && r.IONiceClass != 0 {
		out = append(out, r.IONiceBin, "-c", strconv.Itoa(r.IONiceClass))
	}
	if r != nil && r.NiceBin != "" && r.Nice != 0 {
		out = append(out, r.NiceBin, "-n", strconv.Itoa(r.Nice))
	}
	out = append(out, bin)
	return append(out, args...)
}

// Command builds the command for bin run in dir. Cancelling ctx sends
// SIGTERM; the process is killed once the grace period runs out.
func (r *Runner) Command(ctx context.Context, dir, bin string, args ...string) *exec.Cmd {
	argv := r.argv(bin, args)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = KillGrace
	if r != nil && r.Grace > 0 {
		cmd.WaitDelay = r.Grace
	}
	return cmd
}

// ExitError is a failed tool run with the tail of its output.
type ExitError struct {
	Tool   string
	Code   int
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with %d", e.Tool, e.Code)
	if e.Code < 0 {
		msg = fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run executes bin and returns its combined output. A non-zero exit or
// a start failure comes back as *ExitError.
func (r *Runner) Run(ctx context.Context, dir string, env []string, bin string, args ...string) ([]byte, error) {
	cmd := r.Command(ctx, dir, bin, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return out.Bytes(), nil
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(ctxErr, err)
	}
	return out.Bytes(), &ExitError{Tool: toolName(bin), Code: code, Output: tail(out.Bytes()), Err: err}
}

// ExitCode returns the exit status carried by err, or -1.
func ExitCode(err error) int {
	var e *ExitError
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}

func toolName(bin string) string {
	if i := strings.LastIndexAny(bin, `/\`); i >= 0 {
		return bin[i+1:]
	}
	return bin
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return string(b)
}
