//go:build unix

package launch

import (
	"os/exec"
	"syscall"
)

// setProcAttrs starts the program in its own process group so signals to
// the launcher never reach it.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
