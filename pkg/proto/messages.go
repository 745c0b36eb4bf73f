package proto

// Wire protocol (JSON text frames over a secure WebSocket)

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ProtocolVersion is the only envelope version the server accepts.
const ProtocolVersion = 1

// VersionInvalid marks a protocol_version that is not a whole number.
const VersionInvalid Version = -1

// Version is the envelope's protocol_version. Any JSON number with an
// integral value decodes (1.0 is 1); strings, booleans and fractions decode
// to VersionInvalid so the request is still answered with its id.
type Version int

func (v *Version) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*v = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		*v = VersionInvalid
		return nil
	}
	*v = Version(f)
	return nil
}

// HandshakeProbe is the literal, non-JSON payload a client may send to learn
// the protocol version before sending a real envelope.
const HandshakeProbe = "get_protocol_version"

// TimestampLayout is the textual form used for every date on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Timestamp is a wall-clock time serialized with TimestampLayout.
type Timestamp struct {
	time.Time
}

// Now returns the current local time as a Timestamp.
func Now() *Timestamp {
	return &Timestamp{Time: time.Now()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.Format(TimestampLayout))), nil
}

// UnmarshalJSON accepts our own layout, RFC 3339 strings (what a browser
// Date serializes to) and epoch milliseconds. Anything else leaves t zero:
// the timestamp is informational and never a reason to reject a request.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, TimestampLayout, "2006-01-02T15:04:05"} {
			if v, err := time.Parse(layout, s); err == nil {
				t.Time = v
				return nil
			}
		}
		return nil
	}
	if ms, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		t.Time = time.UnixMilli(ms)
	}
	return nil
}

// Command names a public operation and carries its unvalidated arguments.
type Command struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope wraps all messages. Requests carry Command; responses carry
// exactly one of Reply or Error.
type Envelope struct {
	ID              json.RawMessage `json:"id,omitempty"`
	Timestamp       *Timestamp      `json:"timestamp,omitempty"`
	ProtocolVersion Version         `json:"protocol_version,omitempty"`
	Command         *Command        `json:"command,omitempty"`
	Reply           json.RawMessage `json:"reply,omitempty"`
	Error           bool            `json:"error,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorData       json.RawMessage `json:"error_data,omitempty"`
}

// CommandName returns the requested command name, or "" when absent.
func (e Envelope) CommandName() string {
	if e.Command == nil {
		return ""
	}
	return e.Command.Name
}

// EncodeError reports a value that cannot be represented as JSON.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "encode message: " + e.Err.Error() }

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a text frame that is not a JSON envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "Error in decoding the message's json data: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewReply builds the success response for the request identified by id.
// The payload is serialized here, so a non-serializable payload fails
// synchronously with *EncodeError.
func NewReply(id json.RawMessage, payload any) (Envelope, error) {
	raw, err := marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:              id,
		Timestamp:       Now(),
		ProtocolVersion: ProtocolVersion,
		Reply:           raw,
	}, nil
}

// NewError builds the failure response for the request identified by id.
func NewError(id json.RawMessage, message string, data any) (Envelope, error) {
	if message == "" {
		message = "unknown error"
	}
	env := Envelope{
		ID:              id,
		Timestamp:       Now(),
		ProtocolVersion: ProtocolVersion,
		Error:           true,
		ErrorMessage:    message,
	}
	if data != nil {
		raw, err := marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.ErrorData = raw
	}
	return env, nil
}

// FrameErrorEnvelope is the response to a frame that could not be decoded.
// No request id is known, so none is echoed.
func FrameErrorEnvelope(err error) Envelope {
	return Envelope{Error: true, ErrorMessage: err.Error()}
}

// Encode serializes a response envelope into a text frame payload. A
// response carries exactly one of a reply or an error.
func Encode(env Envelope) ([]byte, error) {
	if env.Error && env.Reply != nil {
		return nil, &EncodeError{Err: errors.New("response carries both reply and error")}
	}
	if !env.Error && env.Reply == nil {
		return nil, &EncodeError{Err: errors.New("response carries neither reply nor error")}
	}
	return marshal(env)
}

// ProbeReply is the answer to HandshakeProbe: the protocol version and
// nothing else.
func ProbeReply() []byte {
	b, _ := json.Marshal(struct {
		ProtocolVersion int `json:"protocol_version"`
	}{ProtocolVersion})
	return b
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	// FrameIgnored is a frame that gets no response and no dispatch (binary).
	FrameIgnored FrameKind = iota
	// FrameProbe is the HandshakeProbe literal.
	FrameProbe
	// FrameRequest is a decoded JSON envelope.
	FrameRequest
)

func (k FrameKind) String() string {
	switch k {
	case FrameIgnored:
		return "ignored"
	case FrameProbe:
		return "probe"
	case FrameRequest:
		return "request"
	default:
		return fmt.Sprintf("frame(%d)", int(k))
	}
}

// Frame is the decoded form of one inbound WebSocket message.
type Frame struct {
	Kind    FrameKind
	Request Envelope
}

// Decode interprets one inbound message. Binary frames are never looked at.
// A text frame that is neither the probe nor a JSON object yields *DecodeError.
func Decode(binary bool, raw []byte) (Frame, error) {
	if binary {
		return Frame{Kind: FrameIgnored}, nil
	}
	if string(raw) == HandshakeProbe {
		return Frame{Kind: FrameProbe}, nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, &DecodeError{Err: err}
	}
	return Frame{Kind: FrameRequest, Request: env}, nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, &EncodeError{Err: err}
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
