package inspect

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Shell link flags (MS-SHLLINK 2.1.1).
const (
	lnkHasTargetIDList = 1 << 0
	lnkHasLinkInfo     = 1 << 1
	lnkHasName         = 1 << 2
	lnkHasRelativePath = 1 << 3
	lnkHasWorkingDir   = 1 << 4
	lnkHasArguments    = 1 << 5
	lnkHasIconLocation = 1 << 6
	lnkIsUnicode       = 1 << 7

	lnkHeaderSize = 0x4C

	linkInfoVolumeIDAndLocalBasePath = 1 << 0
)

var lnkCLSID = [16]byte{0x01, 0x14, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0xC0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x46}

// Lnk is the subset of a Windows shortcut the core needs.
type Lnk struct {
	LocalBasePath    string
	CommonPathSuffix string
	Name             string
	RelativePath     string
	WorkingDir       string
	Arguments        string
	IconLocation     string
}

// Target is the DOS path the shortcut points at.
func (l Lnk) Target() string {
	if l.LocalBasePath != "" {
		base := l.LocalBasePath
		if l.CommonPathSuffix != "" && !strings.HasSuffix(base, `\`) {
			base += `\`
		}
		return base + l.CommonPathSuffix
	}
	if l.WorkingDir != "" && l.RelativePath != "" {
		rel := strings.TrimLeft(l.RelativePath, `.\`)
		return strings.TrimRight(l.WorkingDir, `\`) + `\` + rel
	}
	return ""
}

// ReadLnk parses the shortcut at path.
func ReadLnk(path string) (Lnk, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Lnk{}, err
	}
	return ParseLnk(b)
}

var errShortLnk = errors.New("truncated shortcut")

// ParseLnk decodes a shell link from b.
func ParseLnk(b []byte) (Lnk, error) {
	if len(b) < lnkHeaderSize {
		return Lnk{}, errShortLnk
	}
	if binary.LittleEndian.Uint32(b[0:4]) != lnkHeaderSize {
		return Lnk{}, errors.New("not a shell link")
	}
	if !bytes.Equal(b[4:20], lnkCLSID[:]) {
		return Lnk{}, errors.New("bad shell link class id")
	}
	flags := binary.LittleEndian.Uint32(b[20:24])
	r := bytes.NewReader(b[lnkHeaderSize:])

	if flags&lnkHasTargetIDList != 0 {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Lnk{}, errShortLnk
		}
		if _, err := r.Seek(int64(n), io.SeekCurrent); err != nil {
			return Lnk{}, errShortLnk
		}
	}

	var l Lnk
	if flags&lnkHasLinkInfo != 0 {
		start := len(b) - r.Len()
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil || size < 0x1C || start+int(size) > len(b) {
			return Lnk{}, errShortLnk
		}
		if err := parseLinkInfo(b[start:start+int(size)], &l); err != nil {
			return Lnk{}, err
		}
		if _, err := r.Seek(int64(size)-4, io.SeekCurrent); err != nil {
			return Lnk{}, errShortLnk
		}
	}

	unicodeStrings := flags&lnkIsUnicode != 0
	for _, s := range []struct {
		flag uint32
		dst  *string
	}{
		{lnkHasName, &l.Name},
		{lnkHasRelativePath, &l.RelativePath},
		{lnkHasWorkingDir, &l.WorkingDir},
		{lnkHasArguments, &l.Arguments},
		{lnkHasIconLocation, &l.IconLocation},
	} {
		if flags&s.flag == 0 {
			continue
		}
		v, err := readStringData(r, unicodeStrings)
		if err != nil {
			return Lnk{}, err
		}
		*s.dst = v
	}
	return l, nil
}

func parseLinkInfo(info []byte, l *Lnk) error {
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(info[off : off+4]) }
	headerSize := u32(4)
	flags := u32(8)
	if flags&linkInfoVolumeIDAndLocalBasePath == 0 {
		return nil
	}
	localOff, suffixOff := int(u32(16)), int(u32(24))
	if headerSize >= 0x24 && len(info) >= 0x24 {
		if uo := int(u32(28)); uo != 0 {
			s, err := utf16z(info, uo)
			if err != nil {
				return err
			}
			l.LocalBasePath = s
		}
		if uo := int(u32(32)); uo != 0 {
			s, err := utf16z(info, uo)
			if err != nil {
				return err
			}
			l.CommonPathSuffix = s
		}
	}
	if l.LocalBasePath == "" {
		s, err := ansiz(info, localOff)
		if err != nil {
			return err
		}
		l.LocalBasePath = s
	}
	if l.CommonPathSuffix == "" && suffixOff != 0 {
		s, err := ansiz(info, suffixOff)
		if err != nil {
			return err
		}
		l.CommonPathSuffix = s
	}
	return nil
}

func ansiz(b []byte, off int) (string, error) {
	if off <= 0 || off >= len(b) {
		return "", fmt.Errorf("link info offset %d out of range", off)
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return "", errShortLnk
	}
	return decodeANSI(b[off : off+end])
}

func utf16z(b []byte, off int) (string, error) {
	if off <= 0 || off >= len(b) {
		return "", fmt.Errorf("link info offset %d out of range", off)
	}
	end := off
	for end+1 < len(b) && (b[end] != 0 || b[end+1] != 0) {
		end += 2
	}
	if end+1 >= len(b) {
		return "", errShortLnk
	}
	return decodeUTF16(b[off:end])
}

func readStringData(r *bytes.Reader, wide bool) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", errShortLnk
	}
	size := int(n)
	if wide {
		size *= 2
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errShortLnk
	}
	if wide {
		return decodeUTF16(buf)
	}
	return decodeANSI(buf)
}

func decodeUTF16(b []byte) (string, error) {
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	return string(out), err
}

func decodeANSI(b []byte) (string, error) {
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	return string(out), err
}
