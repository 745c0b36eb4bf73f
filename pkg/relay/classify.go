package relay

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"

	"toolkit/desktopserver/pkg/status"
)

// Alerts a browser sends when it refuses our certificate.
var certificateAlerts = []string{
	"bad certificate",
	"unknown certificate authority",
	"certificate unknown",
	"unsupported certificate",
	"certificate expired",
	"certificate revoked",
	"handshake failure",
}

// classify maps why a connection ended to a status code. Certificate
// problems (ours rejected by the peer, or a verification failure) give
// CertificateInvalid; everything else, clean closes included, gives
// ConnectionLost.
func classify(err error) status.Code {
	if err == nil {
		return status.ConnectionLost
	}
	var verr *tls.CertificateVerificationError
	if errors.As(err, &verr) {
		return status.CertificateInvalid
	}
	var uae x509.UnknownAuthorityError
	if errors.As(err, &uae) {
		return status.CertificateInvalid
	}
	var cie x509.CertificateInvalidError
	if errors.As(err, &cie) {
		return status.CertificateInvalid
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" && opErr.Err != nil {
		if isCertificateAlert(opErr.Err.Error()) {
			return status.CertificateInvalid
		}
	}
	return status.ConnectionLost
}

func isCertificateAlert(msg string) bool {
	msg = strings.ToLower(msg)
	for _, a := range certificateAlerts {
		if strings.Contains(msg, a) {
			return true
		}
	}
	return false
}
