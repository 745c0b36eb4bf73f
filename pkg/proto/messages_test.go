package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeProbeAndBinary(t *testing.T) {
	f, err := Decode(false, []byte(HandshakeProbe))
	if err != nil || f.Kind != FrameProbe {
		t.Fatalf("probe: kind=%v err=%v", f.Kind, err)
	}
	f, err = Decode(true, []byte(`{"id":1}`))
	if err != nil || f.Kind != FrameIgnored {
		t.Fatalf("binary: kind=%v err=%v", f.Kind, err)
	}
	// The probe only counts as exact text.
	if _, err := Decode(false, []byte(HandshakeProbe+" ")); err == nil {
		t.Fatalf("expected decode error for padded probe")
	}
}

func TestProbeReplyIsExact(t *testing.T) {
	if got := string(ProbeReply()); got != `{"protocol_version":1}` {
		t.Fatalf("probe reply=%s", got)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	_, err := Decode(false, []byte("not-json"))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if !strings.HasPrefix(err.Error(), "Error in decoding the message's json data: ") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	b, err := Encode(FrameErrorEnvelope(de))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["id"]; ok {
		t.Fatalf("decode failure must not carry an id: %s", b)
	}
	if m["error"] != true {
		t.Fatalf("error flag missing: %s", b)
	}
}

func TestDecodeRequestPreservesFields(t *testing.T) {
	raw := `{"id":"abc-1","protocol_version":1,"timestamp":"2024-05-01T10:20:30.123Z",` +
		`"command":{"name":"echo","data":{"message":"hi"}}}`
	f, err := Decode(false, []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	req := f.Request
	if f.Kind != FrameRequest || string(req.ID) != `"abc-1"` || req.ProtocolVersion != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.CommandName() != "echo" || string(req.Command.Data) != `{"message":"hi"}` {
		t.Fatalf("unexpected command %+v", req.Command)
	}
	if req.Timestamp == nil || req.Timestamp.Year() != 2024 {
		t.Fatalf("timestamp not parsed: %v", req.Timestamp)
	}
}

func TestReplyEchoesIDAndVersion(t *testing.T) {
	for _, id := range []string{`7`, `"x"`, `{"n":1}`} {
		env, err := NewReply(json.RawMessage(id), map[string]string{"message": "hi"})
		if err != nil {
			t.Fatal(err)
		}
		b, err := Encode(env)
		if err != nil {
			t.Fatal(err)
		}
		var back Envelope
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatal(err)
		}
		if string(back.ID) != id {
			t.Fatalf("id=%s want %s", back.ID, id)
		}
		if back.ProtocolVersion != ProtocolVersion || back.Error {
			t.Fatalf("unexpected envelope %s", b)
		}
		if string(back.Reply) != `{"message":"hi"}` {
			t.Fatalf("reply=%s", back.Reply)
		}
	}
}

func TestNilReplyIsNull(t *testing.T) {
	env, err := NewReply(json.RawMessage(`1`), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Encode(env)
	if !strings.Contains(string(b), `"reply":null`) {
		t.Fatalf("expected explicit null reply: %s", b)
	}
}

func TestNewReplyNotSerializable(t *testing.T) {
	_, err := NewReply(nil, make(chan int))
	var ee *EncodeError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EncodeError, got %v", err)
	}
}

func TestErrorEnvelope(t *testing.T) {
	env, err := NewError(json.RawMessage(`3`), "boom", map[string]int{"code": 2})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Encode(env)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if m["error"] != true || m["error_message"] != "boom" {
		t.Fatalf("unexpected %s", b)
	}
	if _, ok := m["reply"]; ok {
		t.Fatalf("error response carries a reply: %s", b)
	}

	env.Reply = json.RawMessage(`1`)
	if _, err := Encode(env); err == nil {
		t.Fatalf("expected encode error for reply+error")
	}
}

func TestEncodeNeedsReplyOrError(t *testing.T) {
	_, err := Encode(Envelope{ID: json.RawMessage(`1`), ProtocolVersion: ProtocolVersion})
	var ee *EncodeError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EncodeError, got %v", err)
	}
}

func TestDecodeProtocolVersion(t *testing.T) {
	tests := []struct {
		raw  string
		want Version
	}{
		{`1`, 1},
		{`1.0`, 1},
		{`2`, 2},
		{`1.5`, VersionInvalid},
		{`"1"`, VersionInvalid},
		{`true`, VersionInvalid},
		{`null`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			f, err := Decode(false, []byte(`{"id":9,"protocol_version":`+tt.raw+`,"command":{"name":"echo"}}`))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Request.ProtocolVersion != tt.want || string(f.Request.ID) != "9" {
				t.Fatalf("version=%d id=%s", f.Request.ProtocolVersion, f.Request.ID)
			}
		})
	}
}

func TestTimestampLayout(t *testing.T) {
	ts := Timestamp{Time: time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)}
	b, err := json.Marshal(ts)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"2024-01-02T03:04:05.000006"` {
		t.Fatalf("timestamp=%s", b)
	}
	var back Timestamp
	if err := json.Unmarshal(b, &back); err != nil || !back.Equal(ts.Time) {
		t.Fatalf("round trip: %v %v", back, err)
	}
	var junk Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &junk); err != nil || !junk.IsZero() {
		t.Fatalf("junk timestamp should be ignored: %v %v", junk, err)
	}
	var ms Timestamp
	if err := json.Unmarshal([]byte(`1700000000000`), &ms); err != nil || ms.UnixMilli() != 1700000000000 {
		t.Fatalf("epoch millis: %v %v", ms, err)
	}
}
