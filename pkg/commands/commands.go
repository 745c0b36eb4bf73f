// Package commands is the public command surface reachable from the browser.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"toolkit/desktopserver/pkg/dispatch"
	"toolkit/desktopserver/pkg/process"
)

const (
	APIMajor = 0
	APIMinor = 1
	APIPatch = 0
)

// Executor is what the commands need from the operating system.
// *process.Manager implements it.
type Executor interface {
	Open(ctx context.Context, path string) (bool, error)
	ExecuteToolkitCommand(ctx context.Context, pipelineConfigPath, command string, args []string) (process.Result, error)
	ProjectActions(ctx context.Context, pipelineConfigPaths []string) map[string]*process.ConfigActions
	PickFiles(ctx context.Context, multi bool) ([]string, error)
}

// Names lists the public commands.
var Names = []string{
	"echo",
	"open",
	"executeToolkitCommand",
	"executeTankCommand",
	"pickFileOrDirectory",
	"pickFilesOrDirectories",
	"version",
	"getProjectActions",
}

type api struct {
	exec Executor
}

// Registry builds the fixed command registry over exec.
func Registry(exec Executor) *dispatch.Registry {
	a := &api{exec: exec}
	return dispatch.NewRegistry(map[string]dispatch.HandlerFunc{
		"echo":                   a.echo,
		"open":                   a.open,
		"executeToolkitCommand":  a.executeToolkitCommand,
		"executeTankCommand":     a.executeToolkitCommand,
		"pickFileOrDirectory":    a.pick(false),
		"pickFilesOrDirectories": a.pick(true),
		"version":                a.version,
		"getProjectActions":      a.getProjectActions,
	})
}

// decode fills v from data; absent or null data leaves v untouched.
func decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// isEmptyValue reports an absent argument or one of the empty JSON values
// ("", 0, false, null, [], {}), all of which mean "no arguments".
func isEmptyValue(data json.RawMessage) bool {
	if len(bytes.TrimSpace(data)) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case float64:
		return x == 0
	case bool:
		return !x
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func (a *api) echo(_ context.Context, data json.RawMessage) (any, error) {
	var in struct {
		Message any `json:"message"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return map[string]any{"message": in.Message}, nil
}

func (a *api) open(ctx context.Context, data json.RawMessage) (any, error) {
	var in struct {
		Filepath string `json:"filepath"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	ok, err := a.exec.Open(ctx, in.Filepath)
	if err != nil {
		return nil, &dispatch.Error{Message: err.Error()}
	}
	return map[string]any{"result": ok}, nil
}

func (a *api) executeToolkitCommand(ctx context.Context, data json.RawMessage) (any, error) {
	var in struct {
		PipelineConfigPath string          `json:"pipelineConfigPath"`
		Command            string          `json:"command"`
		Args               json.RawMessage `json:"args"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	var args []string
	if !isEmptyValue(in.Args) {
		if err := json.Unmarshal(in.Args, &args); err != nil {
			var raw any
			if json.Unmarshal(in.Args, &raw) == nil {
				if _, isList := raw.([]any); !isList {
					return nil, dispatch.Errorf("ExecuteToolkitCommand 'args' must be a list.")
				}
			}
			return nil, err
		}
	}
	res, err := a.exec.ExecuteToolkitCommand(ctx, in.PipelineConfigPath, in.Command, args)
	if err != nil {
		var tce *process.ToolkitCommandError
		if errors.As(err, &tce) {
			return nil, &dispatch.Error{Message: tce.Error()}
		}
		return nil, dispatch.Errorf("Error executing toolkit command: %v", err)
	}
	return map[string]any{"retcode": res.ReturnCode, "out": res.Out, "err": res.Err}, nil
}

func (a *api) getProjectActions(ctx context.Context, data json.RawMessage) (any, error) {
	var in struct {
		PipelineConfigPaths []string `json:"pipelineConfigPaths"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return map[string]any{"actions": a.exec.ProjectActions(ctx, in.PipelineConfigPaths)}, nil
}

func (a *api) pick(multi bool) dispatch.HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		files, err := a.exec.PickFiles(ctx, multi)
		if err != nil {
			return nil, err
		}
		return files, nil
	}
}

func (a *api) version(context.Context, json.RawMessage) (any, error) {
	return map[string]int{"major": APIMajor, "minor": APIMinor, "patch": APIPatch}, nil
}
