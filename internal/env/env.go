package env

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child environments: a base (OS environment, cached on first
// use) overlaid with global variables and per-launch overrides.
type Env struct {
	Var Var // global overrides (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = toMap(os.Environ())
}

// WithBase replaces the base environment. Used by tests and by callers
// that must not leak the parent environment into a child.
func (e *Env) WithBase(kvs []string) *Env {
	c := e.clone()
	c.env = toMap(kvs)
	return c
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy with K=V set, leaving e untouched.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	c.Set(k, v)
	return c
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Get returns the effective value of k from globals or base.
func (e *Env) Get(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.env == nil {
		e.FromOS()
	}
	v, ok := e.env[k]
	return v, ok
}

// Merge composes the final environment list applying order:
// base, then globals, then perProc ("K=V") overrides. ${VAR} references are
// expanded against the composed map (single pass). Output is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range toMap(perProc) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func (e *Env) clone() *Env {
	c := &Env{Var: make(Var, len(e.Var))}
	for k, v := range e.Var {
		c.Var[k] = v
	}
	if e.env != nil {
		c.env = make(Var, len(e.env))
		for k, v := range e.env {
			c.env[k] = v
		}
	}
	return c
}

func toMap(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

var keyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidKey reports whether k is a legal environment variable name.
func ValidKey(k string) bool { return keyRe.MatchString(k) }

// ParseList parses a descriptor's env_vars value: semicolon separated
// KEY=VALUE pairs. Empty tokens are ignored; a token without '=' or with
// an invalid key is an error.
func ParseList(s string) ([]string, error) {
	var out []string
	for i, tok := range strings.Split(s, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("env_vars[%d] %q: missing '='", i, tok)
		}
		k = strings.TrimSpace(k)
		if !ValidKey(k) {
			return nil, fmt.Errorf("env_vars[%d]: invalid key %q", i, k)
		}
		out = append(out, k+"="+strings.TrimSpace(v))
	}
	return out, nil
}

// PrependPath returns a copy with dir placed first on PATH. An empty dir
// leaves PATH untouched.
func (e *Env) PrependPath(dir string) *Env {
	c := e.clone()
	if dir == "" {
		return c
	}
	cur, _ := c.Get("PATH")
	if cur == "" {
		c.Set("PATH", dir)
		return c
	}
	c.Set("PATH", dir+string(os.PathListSeparator)+cur)
	return c
}
