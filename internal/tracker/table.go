package tracker

import (
	"context"
	"path"
	"strings"
	"syscall"
)

// Proc is one entry of the OS process table.
type Proc struct {
	PID  int
	PPID int
	Name string
	Args []string
}

// Cmdline joins the arguments with spaces.
func (p Proc) Cmdline() string { return strings.Join(p.Args, " ") }

// ExeName is the file name of the first .exe argument, or of argv[0].
// Wine processes show their Windows path, so backslashes count as
// separators.
func (p Proc) ExeName() string {
	for _, a := range p.Args {
		if strings.HasSuffix(strings.ToLower(a), ".exe") {
			return path.Base(strings.ReplaceAll(a, `\`, "/"))
		}
	}
	if len(p.Args) > 0 {
		return path.Base(strings.ReplaceAll(p.Args[0], `\`, "/"))
	}
	return p.Name
}

// Table is the view of the operating system the tracker works against.
type Table interface {
	Processes(ctx context.Context) ([]Proc, error)
	// Environ returns the environment of pid; processes of other users fail.
	Environ(ctx context.Context, pid int) ([]string, error)
	Alive(pid int) bool
	// StartTime identifies a PID incarnation; 0 when unknown.
	StartTime(pid int) int64
	Signal(pid int, sig syscall.Signal) error
}

func hasEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}
