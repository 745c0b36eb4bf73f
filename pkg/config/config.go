package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// LocationEnv names a configuration file when no flag is given.
const LocationEnv = "SGTK_BROWSER_INTEGRATION_CONFIG_LOCATION"

// MissingFileError is returned when an explicitly requested configuration
// file does not exist.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("configuration file not found: %s", e.Path)
}

// Duration accepts "30s" style strings or a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

type Config struct {
	Enabled bool `json:"enabled"`
	// Host to bind; empty means every interface.
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	StatusPort        int      `json:"status_port"`
	Whitelist         string   `json:"whitelist"`
	CertificateFolder string   `json:"certificate_folder"`
	LowLevelDebug     bool     `json:"low_level_debug"`
	MetricsAddr       string   `json:"metrics_addr"`
	CommandTimeout    Duration `json:"command_timeout"`
	Launcher          string   `json:"launcher"`

	// Path is the file the values came from, "" for defaults only.
	Path string `json:"-"`
}

func exeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func defaultConfig() Config {
	return Config{
		Enabled:           true,
		Port:              9000,
		StatusPort:        9001,
		Whitelist:         "*.shotgunstudio.com",
		CertificateFolder: filepath.Join(exeDir(), "resources", "keys"),
	}
}

// Locate picks the configuration file: the flag value, then LocationEnv,
// then config.json next to the executable. An explicit location that does
// not exist is a *MissingFileError; the implicit one may be absent.
func Locate(flagPath string) (string, error) {
	loc := flagPath
	if loc == "" {
		loc = os.Getenv(LocationEnv)
	}
	if loc != "" {
		if _, err := os.Stat(loc); err != nil {
			return "", &MissingFileError{Path: loc}
		}
		return loc, nil
	}
	return filepath.Join(exeDir(), "config.json"), nil
}

// Load reads defaults, then the file at path when it exists, then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
			cfg.Path = path
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.CertificateFolder = expand(cfg.CertificateFolder)
	cfg.Launcher = expand(cfg.Launcher)
	return cfg, cfg.validate()
}

// decode accepts JSON with comments and trailing commas.
func decode(b []byte, cfg *Config) error {
	std, err := hujson.Standardize(b)
	if err != nil {
		return err
	}
	return json.Unmarshal(std, cfg)
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DESKTOPSERVER_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DESKTOPSERVER_PORT: %w", err)
		}
		cfg.Port = n
	}
	if v := os.Getenv("DESKTOPSERVER_STATUS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DESKTOPSERVER_STATUS_PORT: %w", err)
		}
		cfg.StatusPort = n
	}
	if v := os.Getenv("SHOTGUN_PLUGIN_DOMAIN_RESTRICTION"); v != "" {
		cfg.Whitelist = v
	}
	if v := os.Getenv("DESKTOPSERVER_CERTIFICATE_FOLDER"); v != "" {
		cfg.CertificateFolder = v
	}
	if v := os.Getenv("DESKTOPSERVER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("SHOTGUN_PLUGIN_LAUNCHER"); v != "" {
		cfg.Launcher = v
	}
	return nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status_port out of range: %d", c.StatusPort)
	}
	if c.StatusPort != 0 && c.StatusPort == c.Port {
		return fmt.Errorf("status_port must differ from port (%d)", c.Port)
	}
	if c.CommandTimeout < 0 {
		return errors.New("command_timeout must not be negative")
	}
	return nil
}

// WhitelistPatterns splits the whitelist into its patterns.
func (c Config) WhitelistPatterns() []string {
	return splitCSV(c.Whitelist)
}

// Dump writes the effective settings through logf.
func (c Config) Dump(logf func(format string, args ...any)) {
	src := c.Path
	if src == "" {
		src = "<defaults>"
	}
	logf("Configuration file: %s", src)
	logf("Certificate folder: %s", c.CertificateFolder)
	logf("Low level debug: %v", c.LowLevelDebug)
	logf("Port: %d", c.Port)
	logf("Status port: %d", c.StatusPort)
	logf("Whitelist: %s", c.Whitelist)
	if c.CommandTimeout > 0 {
		logf("Command timeout: %s", time.Duration(c.CommandTimeout))
	}
	if c.Launcher != "" {
		logf("Launcher: %s", c.Launcher)
	}
	if c.MetricsAddr != "" {
		logf("Metrics: %s", c.MetricsAddr)
	}
}

// expand resolves a leading ~ and $VAR references.
func expand(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return os.ExpandEnv(p)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
