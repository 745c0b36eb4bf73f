package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result is the outcome of one child process.
type Result struct {
	ReturnCode int
	Out        string
	Err        string
}

// Runner executes argv to completion. Failing to start is reported through
// Result (return code 1, reason in Err) rather than an error, so callers
// always get process-shaped output.
type Runner func(ctx context.Context, argv []string) Result

// strippedEnv lists variables a launching desktop app sets that must not
// leak into the commands we run for the browser.
var strippedEnv = []string{"TANK_CURRENT_PC"}

// childEnv returns the current environment minus strippedEnv.
func childEnv() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		drop := false
		for _, s := range strippedEnv {
			if strings.EqualFold(name, s) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}

// Run is the default Runner.
func Run(ctx context.Context, argv []string) Result {
	if len(argv) == 0 {
		return Result{ReturnCode: 1, Err: "empty command"}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = childEnv()
	cmd.Stdin = nil
	hideWindow(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Out: stdout.String(), Err: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ReturnCode = exitErr.ExitCode()
		if res.ReturnCode < 0 {
			res.ReturnCode = 1
		}
	default:
		res.ReturnCode = 1
		res.Err += fmt.Sprintf("%v\n%q", err, argv)
	}
	return res
}
