package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Keys of a .charm file in their canonical order.
const (
	KeySHA256Sum  = "sha256sum"
	KeyExeFile    = "exe_file"
	KeyScriptPath = "script_path"
	KeyWinePrefix = "wineprefix"
	KeyProgname   = "progname"
	KeyArgs       = "args"
	KeyEnvVars    = "env_vars"
	KeyRunner     = "runner"
	KeyWineDebug  = "wine_debug"
	KeySaveDirs   = "save_dirs"
)

var knownKeys = []string{
	KeySHA256Sum, KeyExeFile, KeyScriptPath, KeyWinePrefix, KeyProgname,
	KeyArgs, KeyEnvVars, KeyRunner, KeyWineDebug, KeySaveDirs,
}

// always emitted, even when empty
var coreKeys = map[string]bool{
	KeySHA256Sum: true, KeyExeFile: true, KeyScriptPath: true, KeyWinePrefix: true,
	KeyProgname: true, KeyArgs: true, KeyRunner: true,
}

// DefaultWineDebug is written into new descriptors.
const DefaultWineDebug = "-all"

// Descriptor is one launchable Windows program. Paths are absolute in
// memory; the Store converts them to and from the tilde form on disk.
type Descriptor struct {
	SHA256Sum  string
	ExeFile    string
	ScriptPath string
	Prefix     string
	Progname   string
	Args       string
	EnvVars    string
	Runner     string
	WineDebug  string
	SaveDirs   []string

	// Mtime is the modification time of the file it was read from.
	Mtime time.Time

	present map[string]bool
	extra   []field
}

type field struct {
	key  string
	node *yaml.Node
}

// Key is the descriptor's primary key.
func (d Descriptor) Key() string { return d.SHA256Sum }

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	c := d
	if d.SaveDirs != nil {
		c.SaveDirs = append([]string(nil), d.SaveDirs...)
	}
	if d.present != nil {
		c.present = make(map[string]bool, len(d.present))
		for k, v := range d.present {
			c.present[k] = v
		}
	}
	if d.extra != nil {
		c.extra = append([]field(nil), d.extra...)
	}
	return c
}

// Extra returns the value of an unknown key that was preserved from disk.
func (d Descriptor) Extra(key string) (string, bool) {
	for _, f := range d.extra {
		if f.key == key {
			return f.node.Value, true
		}
	}
	return "", false
}

// ExtraKeys lists preserved unknown keys in file order.
func (d Descriptor) ExtraKeys() []string {
	out := make([]string, len(d.extra))
	for i, f := range d.extra {
		out[i] = f.key
	}
	return out
}

func (d *Descriptor) get(key string) string {
	switch key {
	case KeySHA256Sum:
		return d.SHA256Sum
	case KeyExeFile:
		return d.ExeFile
	case KeyScriptPath:
		return d.ScriptPath
	case KeyWinePrefix:
		return d.Prefix
	case KeyProgname:
		return d.Progname
	case KeyArgs:
		return d.Args
	case KeyEnvVars:
		return d.EnvVars
	case KeyRunner:
		return d.Runner
	case KeyWineDebug:
		return d.WineDebug
	}
	return ""
}

func (d *Descriptor) set(key, v string) {
	switch key {
	case KeySHA256Sum:
		d.SHA256Sum = v
	case KeyExeFile:
		d.ExeFile = v
	case KeyScriptPath:
		d.ScriptPath = v
	case KeyWinePrefix:
		d.Prefix = v
	case KeyProgname:
		d.Progname = v
	case KeyArgs:
		d.Args = v
	case KeyEnvVars:
		d.EnvVars = v
	case KeyRunner:
		d.Runner = v
	case KeyWineDebug:
		d.WineDebug = v
	}
}

func (d *Descriptor) emits(key string) bool {
	if coreKeys[key] || d.present[key] {
		return true
	}
	if key == KeySaveDirs {
		return len(d.SaveDirs) > 0
	}
	return d.get(key) != ""
}

// Decode parses a .charm document. Paths are returned exactly as stored.
func Decode(data []byte) (Descriptor, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Descriptor{}, fmt.Errorf("parse yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return Descriptor{}, errors.New("empty document")
	}
	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return Descriptor{}, fmt.Errorf("top level is not a mapping")
	}
	d := Descriptor{present: make(map[string]bool)}
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return Descriptor{}, fmt.Errorf("line %d: non-scalar key", k.Line)
		}
		switch k.Value {
		case KeySaveDirs:
			dirs, err := decodeList(v)
			if err != nil {
				return Descriptor{}, fmt.Errorf("line %d: %s: %w", v.Line, k.Value, err)
			}
			d.SaveDirs = dirs
		case KeySHA256Sum, KeyExeFile, KeyScriptPath, KeyWinePrefix, KeyProgname,
			KeyArgs, KeyEnvVars, KeyRunner, KeyWineDebug:
			s, err := decodeScalar(v)
			if err != nil {
				return Descriptor{}, fmt.Errorf("line %d: %s: %w", v.Line, k.Value, err)
			}
			d.set(k.Value, s)
		default:
			d.extra = append(d.extra, field{key: k.Value, node: v})
		}
		d.present[k.Value] = true
	}
	return d, nil
}

func decodeScalar(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", errors.New("expected a scalar")
	}
	if n.Tag == "!!null" {
		return "", nil
	}
	return n.Value, nil
}

func decodeList(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" || n.Value == "" {
			return nil, nil
		}
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			s, err := decodeScalar(c)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.New("expected a list")
}

// Encode renders d with single-quoted string scalars, known keys in
// canonical order followed by preserved unknown keys.
func Encode(d Descriptor) ([]byte, error) {
	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range knownKeys {
		if !d.emits(k) {
			continue
		}
		var v *yaml.Node
		if k == KeySaveDirs {
			v = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
			for _, s := range d.SaveDirs {
				v.Content = append(v.Content, quoted(s))
			}
		} else {
			v = quoted(d.get(k))
		}
		m.Content = append(m.Content, keyNode(k), v)
	}
	for _, f := range d.extra {
		m.Content = append(m.Content, keyNode(f.key), f.node)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func keyNode(k string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
}

func quoted(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Style: yaml.SingleQuotedStyle, Value: s}
}

// FileName returns the descriptor file name for an executable stem.
func FileName(stem string) string {
	return strings.ReplaceAll(stem, "/", "_") + ".charm"
}
