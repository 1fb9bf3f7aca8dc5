package prefix

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/winecharm/internal/descriptor"
)

// PortableUser stands in for the account name inside portable archives.
const PortableUser = "%USERNAME%"

var usernameKey = []byte(`"USERNAME"="`)

// OriginUser returns the account name recorded in the prefix's user.reg.
func OriginUser(prefix string) (string, bool) {
	f, err := os.Open(filepath.Join(prefix, UserReg))
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		i := bytes.Index(line, usernameKey)
		if i < 0 {
			continue
		}
		rest := line[i+len(usernameKey):]
		if j := bytes.IndexByte(rest, '"'); j > 0 {
			return string(rest[:j]), true
		}
	}
	return "", false
}

// RewriteUser replaces the account name src with dst in registry text.
// Only these forms are touched:
//
//	\\users\\<src>   \\home\\<src>   "USERNAME"="<src>"
//
// A path match must end at a backslash, a quote or the end of data so that
// "al" never matches inside "alice". It returns the rewritten data and the
// number of replacements.
func RewriteUser(data []byte, src, dst string) ([]byte, int) {
	if src == "" || src == dst {
		return data, 0
	}
	total := 0
	for _, dir := range []string{`\\users\\`, `\\home\\`} {
		var n int
		data, n = replaceBounded(data, []byte(dir+src), []byte(dir+dst))
		total += n
	}
	old := []byte(`"USERNAME"="` + src + `"`)
	if n := bytes.Count(data, old); n > 0 {
		data = bytes.ReplaceAll(data, old, []byte(`"USERNAME"="`+dst+`"`))
		total += n
	}
	return data, total
}

func replaceBounded(data, old, repl []byte) ([]byte, int) {
	if !bytes.Contains(data, old) {
		return data, 0
	}
	var out bytes.Buffer
	out.Grow(len(data))
	n := 0
	for {
		i := bytes.Index(data, old)
		if i < 0 {
			out.Write(data)
			break
		}
		end := i + len(old)
		if end == len(data) || data[end] == '\\' || data[end] == '"' {
			out.Write(data[:i])
			out.Write(repl)
			n++
		} else {
			out.Write(data[:end])
		}
		data = data[end:]
	}
	return out.Bytes(), n
}

// hives lists the registry files at the top of a prefix.
func hives(prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(prefix, "*.reg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// RewriteRegistry maps the account name src to dst in every registry hive
// of prefix. Files are replaced atomically under the corpus lock.
func (m *Manager) RewriteRegistry(prefix, src, dst string) (int, error) {
	prefix = m.layout.Clean(prefix)
	files, err := hives(prefix)
	if err != nil {
		return 0, err
	}
	total := 0
	err = m.store.Lock().With(func() error {
		for _, p := range files {
			st, err := os.Stat(p)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			out, n := RewriteUser(data, src, dst)
			if n == 0 {
				continue
			}
			if err := descriptor.WriteFileAtomic(p, out, st.Mode().Perm()); err != nil {
				return fmt.Errorf("rewrite %s: %w", p, err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if total > 0 {
		m.log.Info("rewrote registry user", "prefix", prefix, "from", src, "to", dst, "replacements", total)
	}
	return total, nil
}

// Localize maps the prefix's originating account to the current user and
// renames drive_c/users/<origin> to match.
func (m *Manager) Localize(prefix string) error {
	prefix = m.layout.Clean(prefix)
	origin, ok := OriginUser(prefix)
	if !ok || origin == m.User {
		return nil
	}
	if _, err := m.RewriteRegistry(prefix, origin, m.User); err != nil {
		return err
	}
	users := filepath.Join(prefix, DriveC, "users")
	from, to := filepath.Join(users, origin), filepath.Join(users, m.User)
	if _, err := os.Lstat(from); err != nil {
		return nil
	}
	if _, err := os.Lstat(to); err == nil {
		m.log.Warn("user directory already exists; keeping both", "prefix", prefix, "origin", origin)
		return nil
	}
	return os.Rename(from, to)
}

// Portabilize replaces the prefix's account name with PortableUser in the
// registry. It returns the name that was replaced.
func (m *Manager) Portabilize(prefix string) (string, error) {
	prefix = m.layout.Clean(prefix)
	src, ok := OriginUser(prefix)
	if !ok {
		src = m.User
	}
	if src == PortableUser {
		return src, nil
	}
	_, err := m.RewriteRegistry(prefix, src, PortableUser)
	return src, err
}

// RegistrySnapshot holds the bytes of every hive of a prefix.
type RegistrySnapshot map[string][]byte

// SnapshotRegistry reads every hive so a later RestoreRegistry can put the
// exact bytes back.
func SnapshotRegistry(prefix string) (RegistrySnapshot, error) {
	files, err := hives(prefix)
	if err != nil {
		return nil, err
	}
	snap := make(RegistrySnapshot, len(files))
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		snap[p] = b
	}
	return snap, nil
}

// RestoreRegistry writes snap back, replacing files that changed since.
func (m *Manager) RestoreRegistry(snap RegistrySnapshot) error {
	return m.store.Lock().With(func() error {
		var errs []error
		for p, want := range snap {
			cur, err := os.ReadFile(p)
			if err == nil && bytes.Equal(cur, want) {
				continue
			}
			perm := os.FileMode(0o644)
			if st, err := os.Stat(p); err == nil {
				perm = st.Mode().Perm()
			}
			if err := descriptor.WriteFileAtomic(p, want, perm); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// ReplaceUserSegment swaps a drive_c/users/<src> path component for dst.
// rel uses forward slashes, as tar entry names do.
func ReplaceUserSegment(rel, src, dst string) string {
	if src == "" || src == dst {
		return rel
	}
	parts := strings.Split(rel, "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == DriveC && parts[i+1] == "users" && parts[i+2] == src {
			parts[i+2] = dst
			return strings.Join(parts, "/")
		}
	}
	return rel
}
