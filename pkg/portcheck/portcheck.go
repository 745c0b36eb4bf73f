// Package portcheck finds which local process holds a TCP port, so a
// failed bind can name the culprit.
package portcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Process identifies a port owner. Name may be empty when the process
// table could not be read.
type Process struct {
	PID  int32
	Name string
}

func (p Process) String() string {
	if p.Name == "" {
		return fmt.Sprintf("pid %d", p.PID)
	}
	return fmt.Sprintf("%s (pid %d)", p.Name, p.PID)
}

// IsAddrInUse reports whether err is a bind failure caused by a port that is
// already taken.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Windows reports WSAEADDRINUSE, which syscall does not map.
	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "Only one usage of each socket address")
}

// Owner returns the process listening on port, if it can be determined.
// Listing sockets of other users may need privileges; failures return false.
func Owner(ctx context.Context, port int) (Process, bool) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return Process{}, false
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		p := Process{PID: c.Pid}
		if proc, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
			p.Name, _ = proc.NameWithContext(ctx)
		}
		return p, true
	}
	return Process{}, false
}

// Free reports whether port can currently be bound on host.
func Free(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
