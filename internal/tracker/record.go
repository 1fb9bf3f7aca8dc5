package tracker

import (
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/loykin/winecharm/internal/history"
)

// CorrelationEnv carries the per-launch id in the child environment.
const CorrelationEnv = "WINECHARM_LAUNCH_ID"

// Denylist holds Wine service executables that are never attributed to a
// launched program.
var Denylist = []string{
	"start.exe", "winedbg.exe", "conhost.exe", "explorer.exe", "services.exe",
	"rpcss.exe", "svchost.exe", "plugplay.exe", "winedevice.exe",
}

// Record is one running program, keyed by its descriptor's sha256sum.
type Record struct {
	Key           string
	Progname      string
	CorrelationID string
	Prefix        string
	Runner        string
	ExeFile       string
	ExeName       string
	ExeParentName string
	PIDs          []int
	PrimaryPID    int
	LaunchedAt    time.Time
	LogPath       string

	// ManuallyStopped suppresses the failure event on non-zero exit.
	ManuallyStopped bool
	// External marks records found by startup reconciliation.
	External bool
	ExitCode int
}

// Target is what the tracker needs to know about a descriptor to find its
// processes.
type Target struct {
	Key      string
	Progname string
	Prefix   string
	Runner   string
	ExeFile  string
}

// NewRecord fills the derived exe fields from t.
func NewRecord(t Target) Record {
	return Record{
		Key:           t.Key,
		Progname:      t.Progname,
		Prefix:        t.Prefix,
		Runner:        t.Runner,
		ExeFile:       t.ExeFile,
		ExeName:       filepath.Base(t.ExeFile),
		ExeParentName: filepath.Base(filepath.Dir(t.ExeFile)),
	}
}

func (r Record) clone() Record {
	r.PIDs = slices.Clone(r.PIDs)
	return r
}

// History converts r into the persisted history form.
func (r Record) History() history.Record {
	return history.Record{
		Key:           r.Key,
		Progname:      r.Progname,
		Prefix:        r.Prefix,
		Runner:        r.Runner,
		ExeName:       r.ExeName,
		CorrelationID: r.CorrelationID,
		PIDs:          slices.Clone(r.PIDs),
		LaunchedAt:    r.LaunchedAt,
		ExitCode:      r.ExitCode,
		LogPath:       r.LogPath,
		External:      r.External,
		Manual:        r.ManuallyStopped,
	}
}

func denied(name string) bool {
	name = strings.ToLower(name)
	if name == "wineserver" || strings.HasPrefix(name, "wineserver") {
		return true
	}
	return slices.Contains(Denylist, name)
}
