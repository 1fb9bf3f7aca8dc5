package layout

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandContract(t *testing.T) {
	l := New("/data/wc", "/home/alice")
	cases := []struct{ stored, abs string }{
		{"~", "/home/alice"},
		{"~/Games/a.exe", "/home/alice/Games/a.exe"},
		{"/opt/wine/bin/wine", "/opt/wine/bin/wine"},
	}
	for _, c := range cases {
		if got := l.Expand(c.stored); got != c.abs {
			t.Fatalf("Expand(%q)=%q want %q", c.stored, got, c.abs)
		}
		if got := l.Contract(c.abs); got != c.stored {
			t.Fatalf("Contract(%q)=%q want %q", c.abs, got, c.stored)
		}
	}
	// a sibling directory sharing the home prefix must not be contracted
	if got := l.Contract("/home/alicebob/x"); got != "/home/alicebob/x" {
		t.Fatalf("Contract on sibling dir: %q", got)
	}
}

func TestEnsureDirsAndAccessors(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wc")
	l := New(root, "/home/x")
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{l.Templates(), l.Prefixes(), l.Runners(), l.Tmp(), l.Logs()} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Fatalf("missing dir %s: %v", d, err)
		}
	}
	if l.TemplateDir("win64") != filepath.Join(root, "templates", "WineCharm-win64") {
		t.Fatalf("TemplateDir: %s", l.TemplateDir("win64"))
	}
}

func TestIsWithinAndStem(t *testing.T) {
	if !IsWithin("/p/game", "/p/game/x.charm") {
		t.Fatalf("expected child")
	}
	if IsWithin("/p/game", "/p/game") || IsWithin("/p/game", "/p/gamex/y") || IsWithin("/p/game", "/p") {
		t.Fatalf("unexpected containment")
	}
	if Stem("/a/b/Setup.EXE") != "Setup" {
		t.Fatalf("Stem: %s", Stem("/a/b/Setup.EXE"))
	}
}
