// Package process is the operating system side of the public commands:
// opening files, running Toolkit commands in a pipeline configuration and
// collecting project actions.
package process

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"toolkit/desktopserver/pkg/logging"
)

// ToolkitCommandError reports an invalid pipeline configuration or command.
// getProjectActions records these per configuration instead of failing.
type ToolkitCommandError struct {
	Msg string
}

func (e *ToolkitCommandError) Error() string { return e.Msg }

// ErrPickerUnavailable is returned when no file dialog is wired in.
var ErrPickerUnavailable = errors.New("file picker is not available in this process")

// Picker shows a file-or-directory chooser and returns the selection.
type Picker interface {
	Pick(ctx context.Context, multi bool) ([]string, error)
}

type noPicker struct{}

func (noPicker) Pick(context.Context, bool) ([]string, error) { return nil, ErrPickerUnavailable }

// Manager runs commands for the current platform.
type Manager struct {
	// Launcher replaces the platform opener for open when set.
	Launcher string

	picker Picker
	run    Runner
	goos   string
	opener func(string) []string
	script [2]string
}

// NewManager returns a Manager for the running platform. A nil picker means
// the pick commands report ErrPickerUnavailable.
func NewManager(launcher string, picker Picker) *Manager {
	if picker == nil {
		picker = noPicker{}
	}
	return &Manager{
		Launcher: launcher,
		picker:   picker,
		run:      Run,
		goos:     platformName,
		opener:   defaultOpener,
		script:   [2]string{toolkitScript, toolkitFallbackScript},
	}
}

// WithRunner swaps the process runner.
func (m *Manager) WithRunner(r Runner) *Manager {
	m.run = r
	return m
}

// Open opens path with the configured launcher or the platform default.
func (m *Manager) Open(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, fmt.Errorf("Error opening path [%s]. Path not found.", path)
	}
	argv := m.opener(path)
	if m.Launcher != "" {
		argv = []string{m.Launcher, path}
	}
	res := m.run(ctx, argv)
	if res.ReturnCode != 0 {
		return false, fmt.Errorf("Could not open file.\nCommand: %q\nReturn code: %d\nOutput: %s\nError: %s",
			argv, res.ReturnCode, res.Out, res.Err)
	}
	return true, nil
}

func (m *Manager) toolkitPath(pipelineConfigPath string) string {
	p := filepath.Join(pipelineConfigPath, m.script[0])
	if !isFile(p) {
		p = filepath.Join(pipelineConfigPath, m.script[1])
	}
	return p
}

func (m *Manager) verifyPipelineConfiguration(pipelineConfigPath string) error {
	if st, err := os.Stat(pipelineConfigPath); err != nil || !st.IsDir() {
		return &ToolkitCommandError{Msg: "Could not find the Pipeline Configuration on disk: " + pipelineConfigPath}
	}
	if script := m.toolkitPath(pipelineConfigPath); !isFile(script) {
		return &ToolkitCommandError{Msg: "Could not find the Toolkit command on disk: " + script}
	}
	return nil
}

// ExecuteToolkitCommand runs "<config>/shotgun <command> <args...>". Only
// commands starting with "shotgun" are allowed.
func (m *Manager) ExecuteToolkitCommand(ctx context.Context, pipelineConfigPath, command string, args []string) (Result, error) {
	if err := m.verifyPipelineConfiguration(pipelineConfigPath); err != nil {
		return Result{}, err
	}
	if !strings.HasPrefix(command, "shotgun") {
		return Result{}, &ToolkitCommandError{
			Msg: fmt.Sprintf("ExecuteTankCommand error. Command needs to be a shotgun command [%s]", command),
		}
	}
	argv := append([]string{m.toolkitPath(pipelineConfigPath), command}, args...)
	logging.Debugf("[CMD] running %q", argv)
	return m.run(ctx, argv), nil
}

// ActionOutput is one recorded toolkit run.
type ActionOutput struct {
	Out     string `json:"out"`
	Err     string `json:"err"`
	RetCode int    `json:"retcode"`
}

// ConfigActions holds the get/cache outputs of one pipeline configuration,
// keyed by env file and cache file names, or the reason it was skipped.
type ConfigActions struct {
	GetActions   map[string]*ActionOutput `json:"shotgun_get_actions,omitempty"`
	CacheActions map[string]*ActionOutput `json:"shotgun_cache_actions,omitempty"`
	Error        bool                     `json:"error,omitempty"`
	ErrorMessage string                   `json:"error_message,omitempty"`
}

// ProjectActions collects the Shotgun menu actions of every environment of
// each pipeline configuration. For each config/env/shotgun_<entity>.yml it
// asks for cached actions; when that reports a stale cache (return code 1)
// it rebuilds the cache and asks again.
func (m *Manager) ProjectActions(ctx context.Context, pipelineConfigPaths []string) map[string]*ConfigActions {
	out := make(map[string]*ConfigActions, len(pipelineConfigPaths))
	for _, pc := range pipelineConfigPaths {
		actions, err := m.configActions(ctx, pc)
		var tce *ToolkitCommandError
		if errors.As(err, &tce) {
			out[pc] = &ConfigActions{Error: true, ErrorMessage: tce.Error()}
			continue
		}
		out[pc] = actions
	}
	return out
}

func (m *Manager) configActions(ctx context.Context, pc string) (*ConfigActions, error) {
	if err := m.verifyPipelineConfiguration(pc); err != nil {
		return nil, err
	}
	envFiles, _ := filepath.Glob(filepath.Join(pc, "config", "env", "shotgun_*.yml"))
	sort.Strings(envFiles)

	ca := &ConfigActions{
		GetActions:   map[string]*ActionOutput{},
		CacheActions: map[string]*ActionOutput{},
	}
	for _, envPath := range envFiles {
		envFile := filepath.Base(envPath)
		entity := strings.TrimSuffix(strings.TrimPrefix(envFile, "shotgun_"), filepath.Ext(envFile))
		cacheFile := "shotgun_" + m.goos + "_" + entity + ".txt"

		get := &ActionOutput{}
		cache := &ActionOutput{}
		ca.GetActions[envFile] = get
		ca.CacheActions[cacheFile] = cache

		res, err := m.ExecuteToolkitCommand(ctx, pc, "shotgun_get_actions", []string{cacheFile, envFile})
		if err != nil {
			return nil, err
		}
		*get = toOutput(res)
		if res.ReturnCode != 1 {
			continue
		}
		res, err = m.ExecuteToolkitCommand(ctx, pc, "shotgun_cache_actions", []string{entity, cacheFile})
		if err != nil {
			return nil, err
		}
		*cache = toOutput(res)
		if res.ReturnCode != 0 {
			log.Printf("[CMD] caching actions for %s in %s failed (%d)", entity, pc, res.ReturnCode)
			continue
		}
		res, err = m.ExecuteToolkitCommand(ctx, pc, "shotgun_get_actions", []string{cacheFile, envFile})
		if err != nil {
			return nil, err
		}
		*get = toOutput(res)
	}
	return ca, nil
}

// PickFiles asks the picker for a selection. Directories come back with a
// trailing separator and native separators throughout.
func (m *Manager) PickFiles(ctx context.Context, multi bool) ([]string, error) {
	files, err := m.picker.Pick(ctx, multi)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = filepath.FromSlash(f)
		if st, err := os.Stat(f); err == nil && st.IsDir() && !strings.HasSuffix(f, string(filepath.Separator)) {
			f += string(filepath.Separator)
		}
		out = append(out, f)
	}
	return out, nil
}

func toOutput(r Result) ActionOutput {
	return ActionOutput{Out: r.Out, Err: r.Err, RetCode: r.ReturnCode}
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
