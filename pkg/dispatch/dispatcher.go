// Package dispatch validates decoded requests, routes them to registered
// command handlers and turns each outcome into exactly one response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"toolkit/desktopserver/pkg/logging"
	"toolkit/desktopserver/pkg/proto"
)

// State is the lifecycle of one inbound request.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateExecuting
	StateReplied
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateExecuting:
		return "executing"
	case StateReplied:
		return "replied"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result labels how a request ended, for metrics.
type Result string

const (
	ResultOK              Result = "ok"
	ResultError           Result = "error"
	ResultPanic           Result = "panic"
	ResultTimeout         Result = "timeout"
	ResultUnknownCommand  Result = "unknown_command"
	ResultVersionMismatch Result = "version_mismatch"
)

// Observer receives one call per finished request.
type Observer interface {
	CommandFinished(name string, result Result, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) CommandFinished(string, Result, time.Duration) {}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds every handler run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) { x.timeout = d }
}

// WithObserver reports request outcomes to o.
func WithObserver(o Observer) Option {
	return func(x *Dispatcher) {
		if o != nil {
			x.obs = o
		}
	}
}

// Dispatcher is stateless across requests and safe for concurrent use.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	obs      Observer
}

// New returns a Dispatcher over a fixed registry.
func New(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry, obs: noopObserver{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one request to completion and answers it through host.
// It blocks for the whole handler run and must be called off the
// connection's read loop. The returned state is StateReplied or StateErrored.
func (d *Dispatcher) Dispatch(ctx context.Context, req proto.Envelope, host Host) State {
	start := time.Now()
	name := req.CommandName()

	if req.ProtocolVersion != proto.ProtocolVersion {
		d.obs.CommandFinished(name, ResultVersionMismatch, time.Since(start))
		return d.fail(host, name, fmt.Sprintf("Error. Wrong protocol version [%d] ", proto.ProtocolVersion), nil)
	}

	h, ok := d.registry.Lookup(name)
	if !ok {
		d.obs.CommandFinished(name, ResultUnknownCommand, time.Since(start))
		return d.fail(host, name, fmt.Sprintf("Error! Wrong Command Sent: [%s]", name), nil)
	}

	var data []byte
	if req.Command != nil {
		data = req.Command.Data
	}
	logging.Debugf("[CMD] executing %s", name)

	res, panicked, err := d.run(ctx, h, data)

	switch {
	case err == nil:
		if rerr := host.Reply(res); rerr != nil {
			if errors.Is(rerr, ErrAlreadyAnswered) {
				return StateReplied
			}
			var encErr *proto.EncodeError
			if errors.As(rerr, &encErr) {
				d.obs.CommandFinished(name, ResultError, time.Since(start))
				return d.fail(host, name, couldNotExecute(name, rerr), nil)
			}
			log.Printf("[CMD] reply to %s not delivered: %v", name, rerr)
		}
		d.obs.CommandFinished(name, ResultOK, time.Since(start))
		return StateReplied
	case panicked:
		d.obs.CommandFinished(name, ResultPanic, time.Since(start))
		return d.fail(host, name, couldNotExecute(name, err), nil)
	case errors.Is(err, errTimedOut):
		d.obs.CommandFinished(name, ResultTimeout, time.Since(start))
		return d.fail(host, name, fmt.Sprintf("Error! Command [%s] timed out after %s", name, d.timeout), nil)
	default:
		d.obs.CommandFinished(name, ResultError, time.Since(start))
		var ce *Error
		if errors.As(err, &ce) {
			return d.fail(host, name, ce.Message, ce.Data)
		}
		return d.fail(host, name, couldNotExecute(name, err), nil)
	}
}

func (d *Dispatcher) fail(host Host, name, message string, data any) State {
	log.Printf("[CMD] %s", message)
	if err := host.ReportError(message, data); err != nil && !errors.Is(err, ErrAlreadyAnswered) {
		log.Printf("[CMD] error for %q not delivered: %v", name, err)
	}
	return StateErrored
}

func couldNotExecute(name string, err error) string {
	return fmt.Sprintf("Error! Could not execute function (possibly wrong command arguments) for [%s] -- %v", name, err)
}

var errTimedOut = errors.New("command timed out")

type outcome struct {
	res      any
	panicked bool
	err      error
}

// run executes h, bounded by the dispatcher timeout when one is set. A
// handler still running at the deadline is left to finish on its own; its
// late result is discarded.
func (d *Dispatcher) run(ctx context.Context, h HandlerFunc, data []byte) (any, bool, error) {
	if d.timeout <= 0 {
		o := invoke(ctx, h, data)
		return o.res, o.panicked, o.err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	done := make(chan outcome, 1)
	go func() { done <- invoke(ctx, h, data) }()
	select {
	case o := <-done:
		return o.res, o.panicked, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, false, errTimedOut
		}
		return nil, false, ctx.Err()
	}
}

func invoke(ctx context.Context, h HandlerFunc, data []byte) (o outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[CMD] handler panic: %v\n%s", p, debug.Stack())
			o = outcome{panicked: true, err: fmt.Errorf("%v", p)}
		}
	}()
	res, err := h(ctx, data)
	return outcome{res: res, err: err}
}
