package launch

import (
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/env"
	"github.com/loykin/winecharm/internal/inspect"
)

// BuildArgs turns a descriptor's args string into argv tokens:
// $WINEPREFIX is expanded, quoted tokens stay whole and host paths under
// <prefix>/drive_c become C:/ paths.
func BuildArgs(prefix, args string) ([]string, error) {
	s := strings.NewReplacer("${WINEPREFIX}", prefix, "$WINEPREFIX", prefix).Replace(args)
	toks, err := shellquote.Split(s)
	if err != nil {
		return nil, apperr.New("args", apperr.KindDescriptorInvalid, "", err)
	}
	for i, tok := range toks {
		if dos, ok := inspect.ToDOSPath(prefix, tok); ok {
			toks[i] = dos
			continue
		}
		// --opt=/path form
		if k, v, ok := strings.Cut(tok, "="); ok {
			if dos, ok := inspect.ToDOSPath(prefix, v); ok {
				toks[i] = k + "=" + dos
			}
		}
	}
	return toks, nil
}

// WineDebug splits a wine_debug value into the WINEDEBUG channel spec and
// extra assignments. Older descriptors stored a whole export line such as
// "WINEDEBUG=-all DXVK_HUD=1".
func WineDebug(v string) (string, []string, error) {
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "export "))
	if v == "" {
		return "", nil, nil
	}
	if !strings.Contains(v, "=") {
		return v, nil, nil
	}
	toks, err := shellquote.Split(v)
	if err != nil {
		return "", nil, apperr.New("wine_debug", apperr.KindDescriptorInvalid, "", err)
	}
	var debug string
	var extra []string
	for _, tok := range toks {
		k, val, ok := strings.Cut(tok, "=")
		if !ok {
			// bare channel list next to assignments
			debug = tok
			continue
		}
		if !env.ValidKey(k) {
			return "", nil, apperr.Newf("wine_debug", apperr.KindDescriptorInvalid, "", "invalid variable %q", k)
		}
		if k == "WINEDEBUG" {
			debug = val
			continue
		}
		extra = append(extra, k+"="+val)
	}
	return debug, extra, nil
}
