// Package status tracks the diagnostic code of the browser integration and
// serves it on a small plain WebSocket channel for external health checks.
package status

import (
	"strconv"
	"sync/atomic"
)

// Code is the last notable connection event.
type Code int32

const (
	NotYetConnected    Code = 0
	Connected          Code = 202
	CertificateInvalid Code = 401
	ConnectionLost     Code = 499
	NoCertificateFile  Code = 1000
)

func (c Code) String() string {
	switch c {
	case NotYetConnected:
		return "NOT_YET_CONNECTED"
	case Connected:
		return "CONNECTED"
	case CertificateInvalid:
		return "SSL_CERTIFICATE_INVALID"
	case ConnectionLost:
		return "CONNECTION_LOST"
	case NoCertificateFile:
		return "SSL_NO_CERTIFICATE_FILE"
	default:
		return "STATUS_" + strconv.Itoa(int(c))
	}
}

// State is a single process-wide status value. It is written from
// connection goroutines and read by the status channel, so all access is
// atomic; the last write wins.
type State struct {
	v atomic.Int32
}

// NewState returns a State holding NotYetConnected.
func NewState() *State { return &State{} }

func (s *State) Set(c Code) { s.v.Store(int32(c)) }

func (s *State) Get() Code { return Code(s.v.Load()) }
