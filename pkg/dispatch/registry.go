package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// HandlerFunc executes one public command. data is the raw "data" member of
// the request and may be nil. The returned value becomes the reply payload.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Registry maps public command names to handlers. It is fixed at
// construction and safe for concurrent lookups.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry copies handlers into a new Registry.
func NewRegistry(handlers map[string]HandlerFunc) *Registry {
	r := &Registry{handlers: make(map[string]HandlerFunc, len(handlers))}
	for name, h := range handlers {
		if h != nil {
			r.handlers[name] = h
		}
	}
	return r
}

// Lookup finds a handler by exact, case-sensitive name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists the registered commands in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var (
	// ErrUnknownCommand is returned for names missing from the registry.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrAlreadyAnswered is returned by a Host asked to answer twice.
	ErrAlreadyAnswered = errors.New("message already answered")
)

// Error is a handler failure whose message is meant for the client as is,
// optionally with structured data.
type Error struct {
	Message string
	Data    any
}

func (e *Error) Error() string { return e.Message }

// Errorf builds an *Error with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}
