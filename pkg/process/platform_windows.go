//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const (
	platformName          = "windows"
	toolkitScript         = "shotgun.bat"
	toolkitFallbackScript = "tank.bat"
)

// defaultOpener hands the file to the shell association, like double
// clicking it in Explorer. start returns immediately.
func defaultOpener(path string) []string {
	return []string{"cmd", "/c", "start", "", path}
}

// hideWindow keeps a console window from flashing up for each command.
func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
