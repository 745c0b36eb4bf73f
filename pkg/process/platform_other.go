//go:build !windows && !darwin

package process

import "os/exec"

const (
	platformName          = "linux"
	toolkitScript         = "shotgun"
	toolkitFallbackScript = "tank"
)

func defaultOpener(path string) []string { return []string{"xdg-open", path} }

func hideWindow(*exec.Cmd) {}
