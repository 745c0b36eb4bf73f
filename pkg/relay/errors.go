package relay

import (
	"fmt"

	"toolkit/desktopserver/pkg/portcheck"
)

// BrowserIntegrationError is the general failure of the browser
// integration, surfaced to the embedding application.
type BrowserIntegrationError struct {
	Msg string
	Err error
}

func (e *BrowserIntegrationError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *BrowserIntegrationError) Unwrap() error { return e.Err }

// MissingCertificateError is returned by Start, before any port is bound,
// when the certificate or key file is absent.
type MissingCertificateError struct {
	Path string
}

func (e *MissingCertificateError) Error() string {
	return fmt.Sprintf("missing certificate file: %s", e.Path)
}

// PortBusyError is returned by Start when a listening port is taken.
type PortBusyError struct {
	Port  int
	Owner *portcheck.Process
	Err   error
}

func (e *PortBusyError) Error() string {
	msg := fmt.Sprintf("port %d is already in use", e.Port)
	if e.Owner != nil {
		msg += " by " + e.Owner.String()
	}
	msg += "; is another instance of the browser integration running?"
	return msg
}

func (e *PortBusyError) Unwrap() error { return e.Err }
