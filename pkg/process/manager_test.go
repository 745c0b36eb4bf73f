package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

type call struct{ argv []string }

type fakeRunner struct {
	calls []call
	// results per toolkit command name, consumed in order
	results map[string][]Result
}

func (f *fakeRunner) run(_ context.Context, argv []string) Result {
	f.calls = append(f.calls, call{argv: argv})
	if len(argv) < 2 {
		return Result{}
	}
	q := f.results[argv[1]]
	if len(q) == 0 {
		return Result{}
	}
	f.results[argv[1]] = q[1:]
	return q[0]
}

func pipelineConfig(t *testing.T, script string, envs ...string) string {
	t.Helper()
	dir := t.TempDir()
	if script != "" {
		if err := os.WriteFile(filepath.Join(dir, script), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	envDir := filepath.Join(dir, "config", "env")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, e := range envs {
		if err := os.WriteFile(filepath.Join(envDir, e), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestManager(r *fakeRunner) *Manager {
	m := NewManager("", nil).WithRunner(r.run)
	m.goos = "linux"
	m.script = [2]string{"shotgun", "tank"}
	return m
}

func TestExecuteToolkitCommandValidation(t *testing.T) {
	r := &fakeRunner{results: map[string][]Result{}}
	m := newTestManager(r)
	ctx := context.Background()

	_, err := m.ExecuteToolkitCommand(ctx, filepath.Join(t.TempDir(), "missing"), "shotgun_x", nil)
	var tce *ToolkitCommandError
	if !errors.As(err, &tce) || !strings.HasPrefix(err.Error(), "Could not find the Pipeline Configuration on disk: ") {
		t.Fatalf("err=%v", err)
	}

	noScript := pipelineConfig(t, "")
	_, err = m.ExecuteToolkitCommand(ctx, noScript, "shotgun_x", nil)
	if err == nil || err.Error() != "Could not find the Toolkit command on disk: "+filepath.Join(noScript, "tank") {
		t.Fatalf("err=%v", err)
	}

	pc := pipelineConfig(t, "tank")
	_, err = m.ExecuteToolkitCommand(ctx, pc, "rm", []string{"-rf"})
	if err == nil || err.Error() != "ExecuteTankCommand error. Command needs to be a shotgun command [rm]" {
		t.Fatalf("err=%v", err)
	}
	if len(r.calls) != 0 {
		t.Fatalf("nothing may run on validation failure: %v", r.calls)
	}

	r.results["shotgun_run"] = []Result{{ReturnCode: 3, Out: "o", Err: "e"}}
	res, err := m.ExecuteToolkitCommand(ctx, pc, "shotgun_run", []string{"a", "b"})
	if err != nil || res.ReturnCode != 3 || res.Out != "o" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if got := strings.Join(r.calls[0].argv, " "); got != filepath.Join(pc, "tank")+" shotgun_run a b" {
		t.Fatalf("argv=%q (fallback script expected)", got)
	}
}

func TestProjectActionsRetrySequence(t *testing.T) {
	pc := pipelineConfig(t, "shotgun", "shotgun_shot.yml", "shotgun_asset.yml", "project.yml")
	r := &fakeRunner{results: map[string][]Result{
		// asset: cache stale, rebuilt, then served; shot: served at once
		"shotgun_get_actions":   {{ReturnCode: 1, Err: "stale"}, {Out: "asset-actions"}, {Out: "shot-actions"}},
		"shotgun_cache_actions": {{Out: "cached"}},
	}}
	m := newTestManager(r)
	missing := filepath.Join(t.TempDir(), "gone")

	got := m.ProjectActions(context.Background(), []string{pc, missing})

	asset := got[pc].GetActions["shotgun_asset.yml"]
	if asset == nil || asset.Out != "asset-actions" || asset.RetCode != 0 {
		t.Fatalf("asset=%+v", asset)
	}
	if c := got[pc].CacheActions["shotgun_linux_asset.txt"]; c == nil || c.Out != "cached" {
		t.Fatalf("cache=%+v", c)
	}
	if c := got[pc].CacheActions["shotgun_linux_shot.txt"]; c == nil || c.Out != "" {
		t.Fatalf("shot cache should be empty, got %+v", c)
	}
	if shot := got[pc].GetActions["shotgun_shot.yml"]; shot == nil || shot.Out != "shot-actions" {
		t.Fatalf("shot=%+v", shot)
	}
	if _, ok := got[pc].GetActions["project.yml"]; ok {
		t.Fatal("non shotgun_ env files must be ignored")
	}
	if len(r.calls) != 4 {
		t.Fatalf("calls=%d", len(r.calls))
	}
	if !got[missing].Error || !strings.Contains(got[missing].ErrorMessage, "Pipeline Configuration") {
		t.Fatalf("missing=%+v", got[missing])
	}
}

func TestOpen(t *testing.T) {
	r := &fakeRunner{results: map[string][]Result{}}
	m := newTestManager(r)
	m.opener = func(p string) []string { return []string{"opener", p} }

	if _, err := m.Open(context.Background(), filepath.Join(t.TempDir(), "nope.mov")); err == nil ||
		!strings.HasSuffix(err.Error(), "Path not found.") {
		t.Fatalf("err=%v", err)
	}

	f := filepath.Join(t.TempDir(), "a.mov")
	_ = os.WriteFile(f, nil, 0o644)
	ok, err := m.Open(context.Background(), f)
	if err != nil || !ok || r.calls[0].argv[0] != "opener" {
		t.Fatalf("ok=%v err=%v calls=%v", ok, err, r.calls)
	}

	m.Launcher = "/usr/bin/rv"
	r.results[f] = []Result{{ReturnCode: 2, Err: "no display"}}
	_, err = m.Open(context.Background(), f)
	if err == nil || !strings.HasPrefix(err.Error(), "Could not open file.") {
		t.Fatalf("err=%v", err)
	}
	if r.calls[1].argv[0] != "/usr/bin/rv" {
		t.Fatalf("launcher not used: %v", r.calls[1].argv)
	}
}

type staticPicker []string

func (p staticPicker) Pick(context.Context, bool) ([]string, error) { return p, nil }

func TestPickFiles(t *testing.T) {
	if _, err := NewManager("", nil).PickFiles(context.Background(), false); !errors.Is(err, ErrPickerUnavailable) {
		t.Fatalf("err=%v", err)
	}
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	_ = os.WriteFile(file, nil, 0o644)
	got, err := NewManager("", staticPicker{dir, file}).PickFiles(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != dir+string(filepath.Separator) || got[1] != file {
		t.Fatalf("got=%v", got)
	}
}

func TestRunStripsEnvAndReportsExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	t.Setenv("TANK_CURRENT_PC", "/site/config")
	res := Run(context.Background(), []string{"/bin/sh", "-c", `echo "pc=$TANK_CURRENT_PC"; echo oops >&2; exit 4`})
	if res.ReturnCode != 4 || strings.TrimSpace(res.Out) != "pc=" || strings.TrimSpace(res.Err) != "oops" {
		t.Fatalf("res=%+v", res)
	}
	res = Run(context.Background(), []string{filepath.Join(t.TempDir(), "does-not-exist")})
	if res.ReturnCode != 1 || res.Err == "" {
		t.Fatalf("start failure=%+v", res)
	}
}
