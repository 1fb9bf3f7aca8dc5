package synth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/config"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/layout"
	"github.com/loykin/winecharm/internal/prefix"
	"github.com/loykin/winecharm/internal/task"
)

// Inspector is the subset of the PE and shortcut inspector the
// synthesizer needs.
type Inspector interface {
	LookupProductName(ctx context.Context, exe string) (string, bool)
	ExtractIcon(ctx context.Context, exe, dest string) (string, bool)
	LnkTarget(lnk string) (string, bool)
}

// Options tune one descriptor creation.
type Options struct {
	// UseExeName names the descriptor after the executable instead of its
	// product name.
	UseExeName bool
	Args       string
	Runner     string
	Progress   task.Progress
}

// Synthesizer turns executables and shortcuts into descriptors.
type Synthesizer struct {
	store    *descriptor.Store
	prefixes *prefix.Manager
	inspect  Inspector
	layout   layout.Layout
	log      *slog.Logger

	Arch      string // template architecture for new prefixes
	Runner    string // runner used to build templates
	ScanDepth int
	Workers   int

	// serializes script name selection with the write that claims it
	mu sync.Mutex
}

func New(store *descriptor.Store, prefixes *prefix.Manager, insp Inspector, log *slog.Logger) *Synthesizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{
		store:     store,
		prefixes:  prefixes,
		inspect:   insp,
		layout:    store.Layout(),
		log:       log.With("component", "synth"),
		Arch:      config.ArchWin64,
		ScanDepth: 10,
		Workers:   4,
	}
}

var launchable = map[string]bool{".exe": true, ".msi": true}

// FromExecutable creates the descriptor for exe in prefixDir. An empty
// prefixDir gets a fresh prefixes/<stem>-<short-hash> cloned from the
// template. An executable that already has a descriptor returns it.
func (s *Synthesizer) FromExecutable(ctx context.Context, exe, prefixDir string, opts Options) (descriptor.Descriptor, error) {
	exe = s.layout.Clean(exe)
	st, err := os.Stat(exe)
	if err != nil || st.IsDir() {
		return descriptor.Descriptor{}, apperr.New("create descriptor", apperr.KindExecutableMissing, exe, err)
	}
	if !launchable[strings.ToLower(filepath.Ext(exe))] {
		return descriptor.Descriptor{}, apperr.Newf("create descriptor", apperr.KindDescriptorInvalid, exe, "not an .exe or .msi")
	}
	sum, err := descriptor.HashFile(exe)
	if err != nil {
		return descriptor.Descriptor{}, apperr.New("create descriptor", apperr.KindExecutableMissing, exe, err)
	}
	if d, ok := s.store.Get(sum); ok {
		s.log.Info("descriptor exists", "exe", exe, "script", d.ScriptPath)
		return d, nil
	}

	stem := layout.Stem(exe)
	if prefixDir == "" {
		prefixDir, err = s.newPrefix(ctx, stem, sum, opts)
		if err != nil {
			return descriptor.Descriptor{}, err
		}
	} else {
		prefixDir = s.layout.Clean(prefixDir)
		if err := prefix.Validate(prefixDir); err != nil {
			return descriptor.Descriptor{}, err
		}
	}

	product, hasProduct := s.inspect.LookupProductName(ctx, exe)
	name := Progname(stem, product, hasProduct, opts.UseExeName)
	fileStem := strings.ReplaceAll(name, " ", "_")
	if opts.UseExeName {
		fileStem = strings.ReplaceAll(stem, " ", "_")
	}

	runner := opts.Runner
	if runner == "" {
		runner = s.Runner
	}
	d := descriptor.Descriptor{
		SHA256Sum: sum,
		ExeFile:   exe,
		Prefix:    prefixDir,
		Progname:  name,
		Args:      opts.Args,
		Runner:    runner,
		WineDebug: descriptor.DefaultWineDebug,
	}
	s.mu.Lock()
	d.ScriptPath = s.scriptPath(prefixDir, fileStem, sum)
	d, err = s.store.Put(d)
	s.mu.Unlock()
	if err != nil {
		return descriptor.Descriptor{}, err
	}

	if _, ok := s.inspect.ExtractIcon(ctx, exe, descriptor.IconPath(d.ScriptPath)); !ok {
		s.log.Debug("no icon", "exe", exe)
	}
	s.log.Info("created descriptor", "progname", d.Progname, "script", d.ScriptPath, "key", descriptor.ShortHash(sum))
	return d, nil
}

func (s *Synthesizer) newPrefix(ctx context.Context, stem, sum string, opts Options) (string, error) {
	name := strings.ReplaceAll(stem, " ", "_") + "-" + descriptor.ShortHash(sum)
	dir := s.layout.PrefixDir(name)
	if err := prefix.Validate(dir); err == nil {
		return dir, nil
	}
	template, err := s.prefixes.EnsureTemplate(ctx, s.Arch, s.Runner, opts.Progress)
	if err != nil {
		return "", err
	}
	opts.Progress.Emit(task.Event{Step: "copy template", Message: dir})
	if err := s.prefixes.Clone(ctx, template, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// scriptPath picks <prefix>/<stem>.charm, adding -2, -3, ... when another
// executable's descriptor already uses the name.
func (s *Synthesizer) scriptPath(prefixDir, stem, sum string) string {
	taken := make(map[string]string)
	for _, d := range s.store.ByPrefix(prefixDir) {
		taken[d.ScriptPath] = d.SHA256Sum
	}
	p := filepath.Join(prefixDir, descriptor.FileName(stem))
	for i := 2; ; i++ {
		owner, indexed := taken[p]
		if indexed && owner == sum {
			return p
		}
		if _, err := os.Lstat(p); !indexed && errors.Is(err, fs.ErrNotExist) {
			return p
		}
		p = filepath.Join(prefixDir, descriptor.FileName(fmt.Sprintf("%s-%d", stem, i)))
	}
}

// Progname derives the display name of an executable.
//
// Installers are named "<ProductName> Setup", or after the file when the
// binary has no product name. Otherwise a plain ASCII product name without
// digits wins. Everything else falls back to the file stem with spaces
// replaced by underscores.
func Progname(stem, product string, hasProduct, useExeName bool) string {
	fallback := strings.ReplaceAll(stem, " ", "_")
	if useExeName {
		return fallback
	}
	lower := strings.ToLower(stem)
	if strings.Contains(lower, "setup") || strings.Contains(lower, "install") {
		if hasProduct && product != "" {
			return product + " Setup"
		}
		return stem
	}
	if hasProduct && product != "" && plainName(product) {
		return product
	}
	return fallback
}

func plainName(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
