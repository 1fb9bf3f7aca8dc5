package inspect

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/layout"
)

// Inspector reads metadata out of Windows binaries with external tools.
// Every method reports failure as "no result".
type Inspector struct {
	Runner command.Runner
	TmpDir string
	Log    *slog.Logger
}

func New(runner command.Runner, tmpDir string, log *slog.Logger) *Inspector {
	if runner == nil {
		runner = command.Exec{Logger: log}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Inspector{Runner: runner, TmpDir: tmpDir, Log: log.With("component", "inspect")}
}

// ProductName returns the PE ProductName of exe, or its filename stem.
func (i *Inspector) ProductName(ctx context.Context, exe string) string {
	if name, ok := i.LookupProductName(ctx, exe); ok {
		return name
	}
	return layout.Stem(exe)
}

// LookupProductName returns the PE ProductName of exe and whether the
// binary carried one.
func (i *Inspector) LookupProductName(ctx context.Context, exe string) (string, bool) {
	out, err := i.Runner.Run(ctx, command.Cmd{Name: "exiftool", Args: []string{"-s3", "-ProductName", exe}})
	if err != nil {
		i.Log.Debug("product name", "exe", exe, "error", err)
		return "", false
	}
	name := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	return name, name != ""
}

// ExtractIcon writes the largest icon of exe to dest as PNG. Temporary
// files live under TmpDir and are removed on every path.
func (i *Inspector) ExtractIcon(ctx context.Context, exe, dest string) (string, bool) {
	if err := os.MkdirAll(i.TmpDir, 0o755); err != nil {
		i.Log.Debug("icon tmp dir", "error", err)
		return "", false
	}
	work, err := os.MkdirTemp(i.TmpDir, "icon-")
	if err != nil {
		i.Log.Debug("icon tmp dir", "error", err)
		return "", false
	}
	defer func() { _ = os.RemoveAll(work) }()

	if _, err := i.Runner.Run(ctx, command.Cmd{Name: "wrestool", Args: []string{"-x", "-t", "14", "-o", work, exe}}); err != nil {
		i.Log.Debug("wrestool", "exe", exe, "error", err)
		return "", false
	}
	icos, _ := filepath.Glob(filepath.Join(work, "*.ico"))
	if len(icos) == 0 {
		return "", false
	}
	pngDir := filepath.Join(work, "png")
	if err := os.Mkdir(pngDir, 0o755); err != nil {
		return "", false
	}
	for _, ico := range icos {
		if _, err := i.Runner.Run(ctx, command.Cmd{Name: "icotool", Args: []string{"-x", "-o", pngDir, ico}}); err != nil {
			i.Log.Debug("icotool", "ico", ico, "error", err)
		}
	}
	best, ok := largestPNG(pngDir)
	if !ok {
		return "", false
	}
	if err := copyFile(best, dest); err != nil {
		i.Log.Debug("write icon", "dest", dest, "error", err)
		return "", false
	}
	return dest, true
}

// largestPNG picks the PNG with the most pixels, then the largest file.
func largestPNG(dir string) (string, bool) {
	pngs, _ := filepath.Glob(filepath.Join(dir, "*.png"))
	var (
		best      string
		bestArea  int
		bestBytes int64
	)
	for _, p := range pngs {
		area, size, ok := pngArea(p)
		if !ok {
			continue
		}
		if area > bestArea || (area == bestArea && size > bestBytes) {
			best, bestArea, bestBytes = p, area, size
		}
	}
	return best, best != ""
}

func pngArea(path string) (int, int64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer func() { _ = f.Close() }()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}
	st, err := f.Stat()
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width * cfg.Height, st.Size(), true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install icon: %w", err)
	}
	return nil
}

// LnkTarget returns the DOS target path of a shortcut when it points at
// an .exe.
func (i *Inspector) LnkTarget(lnk string) (string, bool) {
	l, err := ReadLnk(lnk)
	if err != nil {
		i.Log.Debug("parse shortcut", "lnk", lnk, "error", err)
		return "", false
	}
	t := l.Target()
	if !strings.HasSuffix(strings.ToLower(t), ".exe") {
		return "", false
	}
	return t, true
}
