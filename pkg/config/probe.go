package config

import (
	"net"
	"os"
	"strconv"
	"strings"
)

// ProbeConfig tells the diagnostic client where the server listens.
type ProbeConfig struct {
	Host       string
	Port       int
	StatusPort int
	// Origin sent on the secure upgrade; it must pass the whitelist.
	Origin string
}

// LoadProbeConfig derives probe settings from the server configuration at
// path (ports, first whitelist pattern) and applies DESKTOPSERVER_PROBE_*
// overrides.
func LoadProbeConfig(path string) (ProbeConfig, error) {
	sc, err := Load(path)
	if err != nil {
		return ProbeConfig{}, err
	}
	pc := ProbeConfig{
		Host:       "localhost",
		Port:       sc.Port,
		StatusPort: sc.StatusPort,
		Origin:     originFor(sc.WhitelistPatterns()),
	}
	if v := os.Getenv("DESKTOPSERVER_PROBE_HOST"); v != "" {
		pc.Host = v
	}
	if v := os.Getenv("DESKTOPSERVER_PROBE_ORIGIN"); v != "" {
		pc.Origin = v
	}
	pc.Host = strings.TrimSpace(pc.Host)
	pc.Origin = strings.TrimSpace(pc.Origin)
	return pc, nil
}

// originFor builds an origin that the first pattern accepts by filling its
// wildcards with "probe".
func originFor(patterns []string) string {
	if len(patterns) == 0 {
		return "https://localhost"
	}
	return "https://" + strings.ReplaceAll(patterns[0], "*", "probe")
}

// SecureURL is the wss:// address of the relay.
func (p ProbeConfig) SecureURL() string {
	return "wss://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// StatusURL is the ws:// address of the status channel.
func (p ProbeConfig) StatusURL() string {
	return "ws://" + net.JoinHostPort(p.Host, strconv.Itoa(p.StatusPort))
}
