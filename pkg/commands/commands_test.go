package commands

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"toolkit/desktopserver/pkg/dispatch"
	"toolkit/desktopserver/pkg/process"
	"toolkit/desktopserver/pkg/proto"
)

type fakeExec struct {
	openErr  error
	lastArgs []string
	execErr  error
	pickErr  error
}

func (f *fakeExec) Open(_ context.Context, path string) (bool, error) {
	if f.openErr != nil {
		return false, f.openErr
	}
	return path != "", nil
}

func (f *fakeExec) ExecuteToolkitCommand(_ context.Context, pc, cmd string, args []string) (process.Result, error) {
	f.lastArgs = args
	if f.execErr != nil {
		return process.Result{}, f.execErr
	}
	return process.Result{ReturnCode: 0, Out: pc + ":" + cmd}, nil
}

func (f *fakeExec) ProjectActions(_ context.Context, paths []string) map[string]*process.ConfigActions {
	out := map[string]*process.ConfigActions{}
	for _, p := range paths {
		out[p] = &process.ConfigActions{Error: true, ErrorMessage: "nope"}
	}
	return out
}

func (f *fakeExec) PickFiles(context.Context, bool) ([]string, error) {
	if f.pickErr != nil {
		return nil, f.pickErr
	}
	return []string{"/tmp/a/"}, nil
}

type capture struct{ frames [][]byte }

func (c *capture) send(b []byte) error { c.frames = append(c.frames, b); return nil }

// call runs one command through a real dispatcher and returns the response.
func call(t *testing.T, exec Executor, name, data string) proto.Envelope {
	t.Helper()
	d := dispatch.New(Registry(exec))
	req := proto.Envelope{ID: json.RawMessage(`1`), ProtocolVersion: 1, Command: &proto.Command{Name: name}}
	if data != "" {
		req.Command.Data = json.RawMessage(data)
	}
	c := &capture{}
	d.Dispatch(context.Background(), req, dispatch.NewMessageHost(req.ID, c.send))
	if len(c.frames) != 1 {
		t.Fatalf("%s: %d responses", name, len(c.frames))
	}
	var env proto.Envelope
	if err := json.Unmarshal(c.frames[0], &env); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestRegistryHasPublicSurface(t *testing.T) {
	r := Registry(&fakeExec{})
	for _, n := range Names {
		if _, ok := r.Lookup(n); !ok {
			t.Fatalf("missing %s", n)
		}
	}
	if len(r.Names()) != len(Names) {
		t.Fatalf("registry=%v", r.Names())
	}
}

func TestEchoAndVersion(t *testing.T) {
	env := call(t, &fakeExec{}, "echo", `{"message":{"nested":[1,2]}}`)
	if string(env.Reply) != `{"message":{"nested":[1,2]}}` {
		t.Fatalf("echo=%s", env.Reply)
	}
	env = call(t, &fakeExec{}, "echo", "")
	if string(env.Reply) != `{"message":null}` {
		t.Fatalf("empty echo=%s", env.Reply)
	}
	env = call(t, &fakeExec{}, "version", "")
	if string(env.Reply) != `{"major":0,"minor":1,"patch":0}` {
		t.Fatalf("version=%s", env.Reply)
	}
}

func TestOpen(t *testing.T) {
	env := call(t, &fakeExec{}, "open", `{"filepath":"/tmp/x.mov"}`)
	if string(env.Reply) != `{"result":true}` {
		t.Fatalf("open=%s", env.Reply)
	}
	env = call(t, &fakeExec{openErr: errors.New("Error opening path [/x]. Path not found.")}, "open", `{"filepath":"/x"}`)
	if !env.Error || env.ErrorMessage != "Error opening path [/x]. Path not found." {
		t.Fatalf("open error=%+v", env)
	}
	env = call(t, &fakeExec{}, "open", `{"filepath":42}`)
	if !strings.HasPrefix(env.ErrorMessage, "Error! Could not execute function (possibly wrong command arguments) for [open]") {
		t.Fatalf("bad args=%q", env.ErrorMessage)
	}
}

func TestExecuteToolkitCommand(t *testing.T) {
	f := &fakeExec{}
	for _, name := range []string{"executeToolkitCommand", "executeTankCommand"} {
		env := call(t, f, name, `{"pipelineConfigPath":"/pc","command":"shotgun_x","args":["a"]}`)
		if string(env.Reply) != `{"err":"","out":"/pc:shotgun_x","retcode":0}` {
			t.Fatalf("%s=%s", name, env.Reply)
		}
		if len(f.lastArgs) != 1 || f.lastArgs[0] != "a" {
			t.Fatalf("args=%v", f.lastArgs)
		}
	}

	env := call(t, f, "executeToolkitCommand", `{"pipelineConfigPath":"/pc","command":"shotgun_x","args":"a b"}`)
	if env.ErrorMessage != "ExecuteToolkitCommand 'args' must be a list." {
		t.Fatalf("args string=%q", env.ErrorMessage)
	}

	env = call(t, f, "executeToolkitCommand", `{"pipelineConfigPath":"/pc","command":"shotgun_x"}`)
	if env.Error || f.lastArgs != nil {
		t.Fatalf("missing args should mean none: %+v %v", env, f.lastArgs)
	}

	for _, empty := range []string{`""`, `0`, `false`, `null`, `{}`, `[]`} {
		f.lastArgs = []string{"stale"}
		env = call(t, f, "executeToolkitCommand", `{"pipelineConfigPath":"/pc","command":"shotgun_x","args":`+empty+`}`)
		if env.Error || len(f.lastArgs) != 0 {
			t.Fatalf("args %s should mean none: %+v %v", empty, env, f.lastArgs)
		}
	}
	env = call(t, f, "executeToolkitCommand", `{"pipelineConfigPath":"/pc","command":"shotgun_x","args":{"a":1}}`)
	if env.ErrorMessage != "ExecuteToolkitCommand 'args' must be a list." {
		t.Fatalf("args object=%q", env.ErrorMessage)
	}

	f.execErr = &process.ToolkitCommandError{Msg: "Could not find the Toolkit command on disk: /pc/tank"}
	env = call(t, f, "executeToolkitCommand", `{"pipelineConfigPath":"/pc","command":"shotgun_x"}`)
	if env.ErrorMessage != "Could not find the Toolkit command on disk: /pc/tank" {
		t.Fatalf("verify error=%q", env.ErrorMessage)
	}
}

func TestProjectActionsAndPick(t *testing.T) {
	env := call(t, &fakeExec{}, "getProjectActions", `{"pipelineConfigPaths":["/a"]}`)
	if string(env.Reply) != `{"actions":{"/a":{"error":true,"error_message":"nope"}}}` {
		t.Fatalf("actions=%s", env.Reply)
	}
	env = call(t, &fakeExec{}, "pickFilesOrDirectories", "")
	if string(env.Reply) != `["/tmp/a/"]` {
		t.Fatalf("pick=%s", env.Reply)
	}
	env = call(t, &fakeExec{pickErr: process.ErrPickerUnavailable}, "pickFileOrDirectory", "")
	if !env.Error || !strings.Contains(env.ErrorMessage, process.ErrPickerUnavailable.Error()) {
		t.Fatalf("pick unavailable=%+v", env)
	}
}
