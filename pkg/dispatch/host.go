package dispatch

import (
	"encoding/json"
	"sync/atomic"

	"toolkit/desktopserver/pkg/proto"
)

// Host delivers the single terminal answer for one inbound request.
type Host interface {
	Reply(data any) error
	ReportError(message string, data any) error
}

// Sender queues one encoded text frame for the connection's writer.
type Sender func(frame []byte) error

// MessageHost is the Host bound to one request id. The first successful
// Reply or ReportError wins; later calls return ErrAlreadyAnswered.
type MessageHost struct {
	id       json.RawMessage
	send     Sender
	answered atomic.Bool
}

// NewMessageHost binds a host to the request id and a connection sender.
func NewMessageHost(id json.RawMessage, send Sender) *MessageHost {
	return &MessageHost{id: id, send: send}
}

// Reply encodes data as the success payload. A payload that cannot be
// encoded returns *proto.EncodeError and leaves the host unanswered.
func (h *MessageHost) Reply(data any) error {
	env, err := proto.NewReply(h.id, data)
	if err != nil {
		return err
	}
	return h.deliver(env)
}

// ReportError sends an error response. If data cannot be encoded the
// response is sent without it.
func (h *MessageHost) ReportError(message string, data any) error {
	env, err := proto.NewError(h.id, message, data)
	if err != nil {
		env, _ = proto.NewError(h.id, message, nil)
	}
	return h.deliver(env)
}

// Answered reports whether a response was already handed to the sender.
func (h *MessageHost) Answered() bool { return h.answered.Load() }

func (h *MessageHost) deliver(env proto.Envelope) error {
	b, err := proto.Encode(env)
	if err != nil {
		return err
	}
	if !h.answered.CompareAndSwap(false, true) {
		return ErrAlreadyAnswered
	}
	return h.send(b)
}
