package tracker

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/env"
)

var winedbgName = regexp.MustCompile(`'([^']+)'`)

// ParseInfoProc extracts executable names from the output of
// `winedbg --command "info proc"`, in listing order.
//
//	pid      threads  executable (all id:s are in hex)
//	00000020 3        'start.exe'
//	=00000038 2       \_ 'game.exe'
func ParseInfoProc(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if m := winedbgName.FindStringSubmatch(line); m != nil {
			names = append(names, m[1])
		}
	}
	return names
}

// wineProcesses lists the Wine-side executables of the record's prefix
// matching its exe name, minus the service denylist.
func (t *Tracker) wineProcesses(ctx context.Context, rec Record) ([]string, error) {
	runnerDir := ""
	if rec.Runner != "" {
		runnerDir = filepath.Dir(rec.Runner)
	}
	e := env.New().PrependPath(runnerDir)
	e.Set("WINEPREFIX", rec.Prefix)
	e.Set("WINEDEBUG", "-all")
	out, err := t.runner.Run(ctx, command.Cmd{
		Name: command.LookPath("winedbg", runnerDir),
		Args: []string{"--command", "info proc"},
		Env:  e.Merge(nil),
	})
	if err != nil {
		return nil, err
	}
	var names []string
	seen := map[string]bool{}
	for _, n := range ParseInfoProc(string(out)) {
		base := filepath.Base(strings.ReplaceAll(n, `\`, "/"))
		if denied(base) || !strings.EqualFold(base, rec.ExeName) || seen[strings.ToLower(base)] {
			continue
		}
		seen[strings.ToLower(base)] = true
		names = append(names, base)
	}
	return names, nil
}
