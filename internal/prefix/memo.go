package prefix

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/layout"
)

// LoadLnkMemo returns the shortcut names already processed in prefix.
// A missing memo is empty.
func LoadLnkMemo(prefix string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(prefix, layout.LnkMemoFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	if err := yaml.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("parse %s: %w", layout.LnkMemoFile, err)
	}
	return names, nil
}

// SaveLnkMemo writes the set of processed shortcut names, sorted.
func SaveLnkMemo(prefix string, names []string) error {
	set := make(map[string]struct{}, len(names))
	uniq := make([]string, 0, len(names))
	for _, n := range names {
		if _, dup := set[n]; dup || n == "" {
			continue
		}
		set[n] = struct{}{}
		uniq = append(uniq, n)
	}
	sort.Strings(uniq)
	data, err := yaml.Marshal(uniq)
	if err != nil {
		return err
	}
	return descriptor.WriteFileAtomic(filepath.Join(prefix, layout.LnkMemoFile), data, 0o644)
}

type winebootMarker struct {
	Reason  string    `yaml:"reason"`
	Created time.Time `yaml:"created"`
}

// MarkWinebootRequired asks the next launch in prefix to run "wineboot -u"
// first.
func MarkWinebootRequired(prefix, reason string) error {
	data, err := yaml.Marshal(winebootMarker{Reason: reason, Created: time.Now().UTC()})
	if err != nil {
		return err
	}
	return descriptor.WriteFileAtomic(filepath.Join(prefix, layout.WinebootFlag), data, 0o644)
}

// WinebootRequired reports whether the one-shot wineboot marker is present.
func WinebootRequired(prefix string) bool {
	return exists(filepath.Join(prefix, layout.WinebootFlag))
}

// ClearWinebootRequired consumes the marker.
func ClearWinebootRequired(prefix string) error {
	err := os.Remove(filepath.Join(prefix, layout.WinebootFlag))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

func removeAll(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	return os.RemoveAll(p)
}
