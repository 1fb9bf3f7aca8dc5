package prefix

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/task"
)

// Import copies an existing prefix directory from outside the data root
// into prefixes/, maps its user to the current one and indexes its
// descriptors. A failed or cancelled import removes the copy.
func (m *Manager) Import(ctx context.Context, src string, progress task.Progress) (string, error) {
	src = m.layout.Clean(src)
	if err := Validate(src); err != nil {
		return "", err
	}
	if src == m.layout.Prefixes() || strings.HasPrefix(m.layout.Prefixes(), src+string(filepath.Separator)) {
		return "", apperr.Newf("import", apperr.KindUnknown, src, "source contains the prefixes directory")
	}

	dest, release := m.ReserveDir(filepath.Base(src))
	defer release()

	const total = 4
	log := m.log.With("src", src, "dest", dest)
	fail := func(err error) (string, error) {
		if rerr := removeAll(dest); rerr != nil {
			log.Warn("remove partial import", "error", rerr)
		}
		if apperr.IsCancelled(err) {
			return "", apperr.New("import", apperr.KindCancelled, dest, err)
		}
		return "", fmt.Errorf("import %s: %w", src, err)
	}

	progress.Step(1, total, "copy prefix")
	log.Info("import prefix")
	if err := CopyTree(ctx, src, dest); err != nil {
		return fail(err)
	}
	if err := apperr.FromContext(ctx, "import"); err != nil {
		return fail(err)
	}
	progress.Step(2, total, "localize registry")
	if err := m.Localize(dest); err != nil {
		return fail(err)
	}
	progress.Step(3, total, "mark wineboot required")
	if err := MarkWinebootRequired(dest, "imported from "+src); err != nil {
		return fail(err)
	}
	progress.Step(4, total, "index descriptors")
	loaded, err := m.store.LoadPrefix(ctx, dest)
	if err != nil {
		return fail(err)
	}
	log.Info("imported prefix", "descriptors", len(loaded))
	return dest, nil
}

func (m *Manager) uniqueDirLocked(name string) string {
	p := m.layout.PrefixDir(name)
	for i := 2; ; i++ {
		if _, busy := m.busy[p]; !busy && !exists(p) {
			return p
		}
		p = m.layout.PrefixDir(fmt.Sprintf("%s-%d", name, i))
	}
}
