package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/winecharm"
	"github.com/loykin/winecharm/internal/apperr"
	cmdexec "github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/prefix"
)

var noWine = cmdexec.RunnerFunc(func(context.Context, cmdexec.Cmd) ([]byte, error) {
	return nil, errors.New("wine not installed")
})

func testOptions() winecharm.Options {
	return winecharm.Options{Runner: noWine, SkipReconcile: true}
}

// run executes args against a fresh command tree rooted at root.
func run(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	var out, errOut bytes.Buffer
	c := &command{flags: &GlobalFlags{}, out: &out, errOut: &errOut, base: testOptions()}
	cmd := buildRoot(c)
	cmd.SetArgs(append([]string{"--root", root}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seed creates prefixes/<name> holding one program called name.
func seed(t *testing.T, root, name string) descriptor.Descriptor {
	t.Helper()
	o := testOptions()
	o.Root = root
	core, err := winecharm.Open(context.Background(), o)
	require.NoError(t, err)
	defer func() { _ = core.Close(context.Background()) }()

	dir := core.Layout.PrefixDir(name)
	exe := filepath.Join(dir, prefix.DriveC, "Program Files", name, name+".exe")
	require.NoError(t, os.MkdirAll(filepath.Dir(exe), 0o755))
	require.NoError(t, os.WriteFile(exe, []byte("MZ "+name), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, prefix.SystemReg), []byte("#arch=win64\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, prefix.UserReg), []byte(`"USERNAME"="`+core.Prefixes.User+`"`+"\n"), 0o644))
	sum, err := descriptor.HashFile(exe)
	require.NoError(t, err)
	d, err := core.Store.Put(descriptor.Descriptor{
		SHA256Sum:  sum,
		ExeFile:    exe,
		ScriptPath: filepath.Join(dir, name+descriptor.DescriptorExt),
		Prefix:     dir,
		Progname:   name,
	})
	require.NoError(t, err)
	return d
}

func TestHelpListsCommands(t *testing.T) {
	out, err := run(t, t.TempDir(), "--help")
	require.NoError(t, err)
	for _, name := range []string{"winecharm-core", "launch", "kill-all", "backup", "restore", "prefix"} {
		assert.Contains(t, out, name)
	}
}

func TestListJSON(t *testing.T) {
	root := t.TempDir()
	out, err := run(t, root, "--json", "list")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	d := seed(t, root, "Foo")
	out, err = run(t, root, "--json", "list")
	require.NoError(t, err)
	var rows []descriptorRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, d.Key(), rows[0].Key)
	assert.Equal(t, "Foo", rows[0].Progname)
	assert.False(t, rows[0].Running)
}

func TestShowFindsProgramByNameOrKeyPrefix(t *testing.T) {
	root := t.TempDir()
	d := seed(t, root, "Foo")
	seed(t, root, "Bar")

	out, err := run(t, root, "show", "foo")
	require.NoError(t, err)
	assert.Contains(t, out, "progname: 'Foo'")
	assert.Contains(t, out, d.Key())

	out, err = run(t, root, "show", d.Key()[:12])
	require.NoError(t, err)
	assert.Contains(t, out, "progname: 'Foo'")

	_, err = run(t, root, "show", "Baz")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPrefixRenameAndList(t *testing.T) {
	root := t.TempDir()
	seed(t, root, "Foo")

	out, err := run(t, root, "prefix", "rename", "Foo", "Renamed")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "prefixes", "Renamed"), strings.TrimSpace(out))

	out, err = run(t, root, "--json", "list")
	require.NoError(t, err)
	var rows []descriptorRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, filepath.Join(root, "prefixes", "Renamed"), rows[0].Prefix)

	out, err = run(t, root, "prefix", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Renamed\t1 programs")
}

func TestBackupAndRestoreCommands(t *testing.T) {
	root := t.TempDir()
	seed(t, root, "Foo")
	outDir := t.TempDir()

	out, err := run(t, root, "backup", "Foo", "--out", outDir)
	require.NoError(t, err)
	archive := strings.TrimSpace(out)
	assert.Equal(t, outDir, filepath.Dir(archive))
	assert.FileExists(t, archive)

	out, err = run(t, root, "restore", archive)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "prefixes", "Foo-2"), strings.TrimSpace(out))
}

func TestStopUnknownProgram(t *testing.T) {
	root := t.TempDir()
	seed(t, root, "Foo")
	_, err := run(t, root, "stop", "Foo")
	require.ErrorIs(t, err, apperr.ErrNotFound, "nothing is running")
}

func TestSettingsAndHistory(t *testing.T) {
	root := t.TempDir()
	out, err := run(t, root, "settings")
	require.NoError(t, err)
	assert.Contains(t, out, `"TemplateArch": "win64"`)
	assert.Contains(t, out, root)

	out, err = run(t, root, "history")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "TIME"), out)
}
