package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	TemplatesDir   = "templates"
	PrefixesDir    = "prefixes"
	RunnersDir     = "runners"
	TmpDir         = "tmp"
	LogsDir        = "logs"
	LegacyDir      = "Shortcuts"
	SettingsFile   = "Settings.yaml"
	HistoryFile    = "history.db"
	TemplatePrefix = "WineCharm-"

	DescriptorExt = ".charm"
	LnkMemoFile   = "found_lnk_files.yaml"
	WinebootFlag  = "wineboot-required.yml"
)

// Layout is the immutable directory layout under a per-user data root.
type Layout struct {
	root string
	home string
}

// New returns a layout rooted at root. home is used for tilde conversion.
func New(root, home string) Layout {
	return Layout{root: filepath.Clean(root), home: filepath.Clean(home)}
}

// Default resolves the data root from XDG_DATA_HOME, falling back to
// ~/.local/share/winecharm.
func Default() (Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolve home directory: %w", err)
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(home, ".local", "share")
	}
	return New(filepath.Join(base, "winecharm"), home), nil
}

func (l Layout) Root() string      { return l.root }
func (l Layout) Home() string      { return l.home }
func (l Layout) Templates() string { return filepath.Join(l.root, TemplatesDir) }
func (l Layout) Prefixes() string  { return filepath.Join(l.root, PrefixesDir) }
func (l Layout) Runners() string   { return filepath.Join(l.root, RunnersDir) }
func (l Layout) Tmp() string       { return filepath.Join(l.root, TmpDir) }
func (l Layout) Logs() string      { return filepath.Join(l.root, LogsDir) }
func (l Layout) Settings() string  { return filepath.Join(l.root, SettingsFile) }
func (l Layout) History() string   { return filepath.Join(l.root, HistoryFile) }

// LegacyDescriptors is the pre-prefix directory older releases stored
// descriptors in. It is only read.
func (l Layout) LegacyDescriptors() string { return filepath.Join(l.root, LegacyDir) }

// TemplateDir returns the canonical template directory for arch.
func (l Layout) TemplateDir(arch string) string {
	return filepath.Join(l.Templates(), TemplatePrefix+arch)
}

// PrefixDir returns prefixes/<name>.
func (l Layout) PrefixDir(name string) string { return filepath.Join(l.Prefixes(), name) }

// EnsureDirs creates every directory of the layout.
func (l Layout) EnsureDirs() error {
	for _, d := range []string{l.root, l.Templates(), l.Prefixes(), l.Runners(), l.Tmp(), l.Logs()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Expand replaces a leading "~" with the home directory.
func (l Layout) Expand(p string) string {
	if p == "~" {
		return l.home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(l.home, p[2:])
	}
	return p
}

// Contract replaces the home directory prefix with "~" for persistence.
func (l Layout) Contract(p string) string {
	if p == "" || l.home == "" || l.home == "/" {
		return p
	}
	if p == l.home {
		return "~"
	}
	if strings.HasPrefix(p, l.home+"/") {
		return "~/" + p[len(l.home)+1:]
	}
	return p
}

// Clean expands and normalizes p into an absolute path.
func (l Layout) Clean(p string) string {
	p = l.Expand(p)
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// IsWithin reports whether p lies strictly below dir.
func IsWithin(dir, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(p))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// Stem returns the filename without directory and extension.
func Stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
