package inspect

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveDOSPath maps a Windows path such as C:\Program Files\x.exe to
// the host path inside prefix. Components are matched case-insensitively
// the way Wine does; missing components are kept as written.
func ResolveDOSPath(prefix, dos string) string {
	p := strings.ReplaceAll(dos, `\`, "/")
	drive := "c"
	if len(p) >= 2 && p[1] == ':' {
		drive = strings.ToLower(p[:1])
		p = p[2:]
	}
	root := filepath.Join(prefix, "drive_"+drive)
	if drive != "c" {
		root = filepath.Join(prefix, "dosdevices", drive+":")
	}
	cur := root
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, matchEntry(cur, part))
	}
	return cur
}

// ToDOSPath rewrites a host path under <prefix>/drive_c into C:/... form.
func ToDOSPath(prefix, p string) (string, bool) {
	driveC := filepath.Join(prefix, "drive_c")
	if p == driveC {
		return "C:/", true
	}
	if !strings.HasPrefix(p, driveC+"/") {
		return p, false
	}
	return "C:/" + p[len(driveC)+1:], true
}

func matchEntry(dir, name string) string {
	if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
		return name
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return name
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return e.Name()
		}
	}
	return name
}
