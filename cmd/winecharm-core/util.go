package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/winecharm"
	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/descriptor"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

type descriptorRow struct {
	Key        string   `json:"sha256sum"`
	Progname   string   `json:"progname"`
	ExeFile    string   `json:"exe_file"`
	ScriptPath string   `json:"script_path"`
	Prefix     string   `json:"wineprefix"`
	Args       string   `json:"args,omitempty"`
	Runner     string   `json:"runner,omitempty"`
	SaveDirs   []string `json:"save_dirs,omitempty"`
	Running    bool     `json:"running"`
}

func newDescriptorRow(d descriptor.Descriptor, running bool) descriptorRow {
	return descriptorRow{
		Key:        d.Key(),
		Progname:   d.Progname,
		ExeFile:    d.ExeFile,
		ScriptPath: d.ScriptPath,
		Prefix:     d.Prefix,
		Args:       d.Args,
		Runner:     d.Runner,
		SaveDirs:   d.SaveDirs,
		Running:    running,
	}
}

// findDescriptor resolves a full key, a unique key prefix or a unique
// progname.
func findDescriptor(core *winecharm.Core, ref string) (descriptor.Descriptor, error) {
	if d, err := core.Descriptor(ref); err == nil {
		return d, nil
	}
	var matches []descriptor.Descriptor
	for _, d := range core.Descriptors() {
		if (len(ref) >= 6 && strings.HasPrefix(d.Key(), ref)) || strings.EqualFold(d.Progname, ref) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return descriptor.Descriptor{}, apperr.Newf("find program", apperr.KindNotFound, ref, "no program matches %q", ref)
	default:
		return descriptor.Descriptor{}, fmt.Errorf("%q is ambiguous: %d programs match", ref, len(matches))
	}
}
