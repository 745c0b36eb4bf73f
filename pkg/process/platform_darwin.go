//go:build darwin

package process

import "os/exec"

const (
	platformName          = "mac"
	toolkitScript         = "shotgun"
	toolkitFallbackScript = "tank"
)

func defaultOpener(path string) []string { return []string{"open", path} }

func hideWindow(*exec.Cmd) {}
