package inspect

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/command"
)

func fakeRunner(fn func(c command.Cmd) ([]byte, error)) command.Runner {
	return command.RunnerFunc(func(_ context.Context, c command.Cmd) ([]byte, error) { return fn(c) })
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func argAfter(args []string, flag string) string {
	for i := range args {
		if args[i] == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestProductName(t *testing.T) {
	ins := New(fakeRunner(func(c command.Cmd) ([]byte, error) {
		assert.Equal(t, "exiftool", c.Name)
		assert.Equal(t, []string{"-s3", "-ProductName", "/x/Acme.exe"}, c.Args)
		return []byte("Acme Launcher\n"), nil
	}), t.TempDir(), nil)
	assert.Equal(t, "Acme Launcher", ins.ProductName(context.Background(), "/x/Acme.exe"))
}

func TestProductNameFallsBackToStem(t *testing.T) {
	for name, r := range map[string]command.Runner{
		"empty": fakeRunner(func(command.Cmd) ([]byte, error) { return []byte("\n"), nil }),
		"failed": fakeRunner(func(command.Cmd) ([]byte, error) {
			return nil, apperr.New("exiftool", apperr.KindSubprocessFailed, "", nil)
		}),
	} {
		t.Run(name, func(t *testing.T) {
			ins := New(r, t.TempDir(), nil)
			assert.Equal(t, "My Game", ins.ProductName(context.Background(), "/games/My Game.exe"))
		})
	}
}

func TestExtractIconPicksLargestAndCleansUp(t *testing.T) {
	tmp := t.TempDir()
	ins := New(fakeRunner(func(c command.Cmd) ([]byte, error) {
		out := argAfter(c.Args, "-o")
		switch c.Name {
		case "wrestool":
			return nil, os.WriteFile(filepath.Join(out, "game.exe_14_1.ico"), []byte("ico"), 0o644)
		case "icotool":
			writePNG(t, filepath.Join(out, "a_1_16x16x32.png"), 16, 16)
			writePNG(t, filepath.Join(out, "a_2_256x256x32.png"), 256, 256)
			writePNG(t, filepath.Join(out, "a_3_48x48x32.png"), 48, 48)
			return nil, nil
		}
		return nil, errors.New("unexpected " + c.Name)
	}), tmp, nil)

	dest := filepath.Join(t.TempDir(), "game.png")
	got, ok := ins.ExtractIcon(context.Background(), "/x/game.exe", dest)
	require.True(t, ok)
	assert.Equal(t, dest, got)
	f, err := os.Open(dest)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)

	left, _ := os.ReadDir(tmp)
	assert.Empty(t, left, "temporary files must be removed")
}

func TestExtractIconFailureIsNoResult(t *testing.T) {
	tmp := t.TempDir()
	ins := New(fakeRunner(func(c command.Cmd) ([]byte, error) {
		return nil, apperr.New(c.Name, apperr.KindSubprocessFailed, "", nil)
	}), tmp, nil)
	dest := filepath.Join(t.TempDir(), "x.png")
	_, ok := ins.ExtractIcon(context.Background(), "/x/x.exe", dest)
	assert.False(t, ok)
	assert.NoFileExists(t, dest)
	left, _ := os.ReadDir(tmp)
	assert.Empty(t, left)
}

// lnkBuilder assembles minimal shell links for tests.
type lnkBuilder struct {
	localBase, suffix string
	unicodeInfo       bool
	workingDir        string
	relPath           string
	args              string
	withIDList        bool
}

func (lb lnkBuilder) bytes() []byte {
	var flags uint32 = lnkIsUnicode
	var body bytes.Buffer
	if lb.withIDList {
		flags |= lnkHasTargetIDList
		_ = binary.Write(&body, binary.LittleEndian, uint16(6))
		body.Write([]byte{4, 0, 0xAA, 0xBB, 0, 0})
	}
	if lb.localBase != "" {
		flags |= lnkHasLinkInfo
		body.Write(lb.linkInfo())
	}
	str := func(flag uint32, s string) {
		if s == "" {
			return
		}
		flags |= flag
		u := utf16.Encode([]rune(s))
		_ = binary.Write(&body, binary.LittleEndian, uint16(len(u)))
		_ = binary.Write(&body, binary.LittleEndian, u)
	}
	str(lnkHasRelativePath, lb.relPath)
	str(lnkHasWorkingDir, lb.workingDir)
	str(lnkHasArguments, lb.args)

	hdr := make([]byte, lnkHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], lnkHeaderSize)
	copy(hdr[4:20], lnkCLSID[:])
	binary.LittleEndian.PutUint32(hdr[20:], flags)
	return append(hdr, body.Bytes()...)
}

func (lb lnkBuilder) linkInfo() []byte {
	headerSize := uint32(0x1C)
	if lb.unicodeInfo {
		headerSize = 0x24
	}
	var strs bytes.Buffer
	off := func() uint32 { return headerSize + uint32(strs.Len()) }
	volOff := off()
	strs.Write([]byte{0x10, 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0x10, 0, 0, 0}) // VolumeID
	localOff := off()
	strs.WriteString(lb.localBase + "\x00")
	suffixOff := off()
	strs.WriteString(lb.suffix + "\x00")
	var uLocal, uSuffix uint32
	if lb.unicodeInfo {
		w := func(s string) uint32 {
			o := off()
			_ = binary.Write(&strs, binary.LittleEndian, utf16.Encode([]rune(s+"\x00")))
			return o
		}
		uLocal = w(lb.localBase)
		uSuffix = w(lb.suffix)
	}
	var h bytes.Buffer
	for _, v := range []uint32{headerSize + uint32(strs.Len()), headerSize, linkInfoVolumeIDAndLocalBasePath, volOff, localOff, 0, suffixOff} {
		_ = binary.Write(&h, binary.LittleEndian, v)
	}
	if lb.unicodeInfo {
		_ = binary.Write(&h, binary.LittleEndian, uLocal)
		_ = binary.Write(&h, binary.LittleEndian, uSuffix)
	}
	return append(h.Bytes(), strs.Bytes()...)
}

func TestParseLnkLinkInfo(t *testing.T) {
	b := lnkBuilder{localBase: `C:\Program Files\Acme\acme.exe`, withIDList: true, args: "-w"}.bytes()
	l, err := ParseLnk(b)
	require.NoError(t, err)
	assert.Equal(t, `C:\Program Files\Acme\acme.exe`, l.Target())
	assert.Equal(t, "-w", l.Arguments)
}

func TestParseLnkUnicodeLinkInfo(t *testing.T) {
	b := lnkBuilder{localBase: `C:\Spiele\`, suffix: `Größe.exe`, unicodeInfo: true}.bytes()
	l, err := ParseLnk(b)
	require.NoError(t, err)
	assert.Equal(t, `C:\Spiele\Größe.exe`, l.Target())
}

func TestParseLnkRelativeFallback(t *testing.T) {
	b := lnkBuilder{workingDir: `C:\Games\Tool`, relPath: `.\tool.exe`}.bytes()
	l, err := ParseLnk(b)
	require.NoError(t, err)
	assert.Equal(t, `C:\Games\Tool\tool.exe`, l.Target())
}

func TestParseLnkRejectsGarbage(t *testing.T) {
	_, err := ParseLnk([]byte("not a link"))
	assert.Error(t, err)
	b := lnkBuilder{localBase: `C:\a.exe`}.bytes()
	_, err = ParseLnk(b[:lnkHeaderSize+8])
	assert.Error(t, err)
	bad := append([]byte(nil), b...)
	bad[4] = 0xFF
	_, err = ParseLnk(bad)
	assert.Error(t, err)
}

func TestLnkTargetOnlyExe(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "game.lnk")
	doc := filepath.Join(dir, "readme.lnk")
	require.NoError(t, os.WriteFile(exe, lnkBuilder{localBase: `C:\Games\GAME.EXE`}.bytes(), 0o644))
	require.NoError(t, os.WriteFile(doc, lnkBuilder{localBase: `C:\Games\readme.txt`}.bytes(), 0o644))
	ins := New(nil, dir, nil)

	got, ok := ins.LnkTarget(exe)
	assert.True(t, ok)
	assert.Equal(t, `C:\Games\GAME.EXE`, got)
	_, ok = ins.LnkTarget(doc)
	assert.False(t, ok)
	_, ok = ins.LnkTarget(filepath.Join(dir, "missing.lnk"))
	assert.False(t, ok)
}

func TestResolveDOSPathCaseInsensitive(t *testing.T) {
	prefix := t.TempDir()
	real := filepath.Join(prefix, "drive_c", "Program Files", "Acme")
	require.NoError(t, os.MkdirAll(real, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(real, "Acme.exe"), nil, 0o644))

	assert.Equal(t, filepath.Join(real, "Acme.exe"), ResolveDOSPath(prefix, `C:\PROGRAM FILES\acme\ACME.EXE`))
	assert.Equal(t, filepath.Join(prefix, "drive_c", "Nope", "x.exe"), ResolveDOSPath(prefix, `c:\Nope\x.exe`))
	assert.Equal(t, filepath.Join(prefix, "dosdevices", "d:", "setup.exe"), ResolveDOSPath(prefix, `D:\setup.exe`))
}

func TestToDOSPath(t *testing.T) {
	p, ok := ToDOSPath("/pfx", "/pfx/drive_c/Games/a b.exe")
	assert.True(t, ok)
	assert.Equal(t, "C:/Games/a b.exe", p)
	_, ok = ToDOSPath("/pfx", "/other/x")
	assert.False(t, ok)
}
