package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/loykin/winecharm/internal/apperr"
)

// Cmd describes one subprocess invocation. No shell is involved.
type Cmd struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string  // full environment; nil inherits the parent's
	Stdout io.Writer // optional tee of stdout
	Stderr io.Writer // optional; defaults to an internal buffer used in errors
}

func (c Cmd) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Runner executes subprocesses. Implementations must be safe for concurrent use.
type Runner interface {
	// Run executes c and returns its stdout. A non-zero exit is reported as
	// a SubprocessFailed error; a cancelled ctx as Cancelled.
	Run(ctx context.Context, c Cmd) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, c Cmd) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, c Cmd) ([]byte, error) { return f(ctx, c) }

// Exec runs commands with os/exec.
type Exec struct {
	Logger *slog.Logger
}

func (e Exec) Run(ctx context.Context, c Cmd) ([]byte, error) {
	// #nosec G204 -- argv is assembled by the core, never passed through a shell
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&out, c.Stdout)
	}
	cmd.Stderr = &errBuf
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&errBuf, c.Stderr)
	}
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Debug("exec", "cmd", c.String(), "dir", c.Dir)
	err := cmd.Run()
	if err == nil {
		return out.Bytes(), nil
	}
	if ctx.Err() != nil {
		return out.Bytes(), apperr.New(c.Name, apperr.KindCancelled, "", ctx.Err())
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return out.Bytes(), apperr.New(c.Name, apperr.KindSubprocessFailed, "",
			fmt.Errorf("exit status %d: %s", ee.ExitCode(), tail(errBuf.String(), 512)))
	}
	return out.Bytes(), apperr.New(c.Name, apperr.KindSubprocessFailed, "", err)
}

// ExitCode extracts the exit code carried by err, or -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// LookPath returns the first executable name found in dirs, then on PATH.
// When nothing is found, name is returned unchanged so the failure surfaces
// from the spawn itself.
func LookPath(name string, dirs ...string) string {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		p := filepath.Join(d, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
			return p
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return name
}
