package relay

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/gorilla/websocket"

	"toolkit/desktopserver/pkg/status"
)

type alertErr string

func (a alertErr) Error() string { return string(a) }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want status.Code
	}{
		{name: "bad certificate alert", err: &net.OpError{Op: "remote error", Err: alertErr("tls: bad certificate")}, want: status.CertificateInvalid},
		{name: "unknown ca alert", err: &net.OpError{Op: "remote error", Err: alertErr("tls: unknown certificate authority")}, want: status.CertificateInvalid},
		{name: "wrapped unknown authority", err: fmt.Errorf("verify: %w", x509.UnknownAuthorityError{}), want: status.CertificateInvalid},
		{name: "other alert", err: &net.OpError{Op: "remote error", Err: alertErr("tls: protocol version not supported")}, want: status.ConnectionLost},
		{name: "eof", err: io.EOF, want: status.ConnectionLost},
		{name: "reset", err: &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, want: status.ConnectionLost},
		{name: "clean close", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, want: status.ConnectionLost},
		{name: "nil", err: nil, want: status.ConnectionLost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); got != tc.want {
				t.Fatalf("classify(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}
