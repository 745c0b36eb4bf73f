// Package logging wires the standard logger to stdout plus a rotating file,
// and carries the process-wide debug switch.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var debug atomic.Bool

// SetDebug toggles Debugf output.
func SetDebug(on bool) { debug.Store(on) }

// Debugf logs only when debug output is on.
func Debugf(format string, args ...any) {
	if debug.Load() {
		_ = log.Output(2, "[DEBUG] "+fmt.Sprintf(format, args...))
	}
}

// Dir returns the log folder: DESKTOPSERVER_LOG_DIR if set, otherwise
// logs/ next to the executable.
func Dir() string {
	if d := os.Getenv("DESKTOPSERVER_LOG_DIR"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "logs")
}

// Setup configures rotating file logs at <Dir>/<app>.log and also writes to
// stdout. The returned logger should be closed on exit.
func Setup(app string) *lumberjack.Logger {
	dir := Dir()
	_ = os.MkdirAll(dir, 0o755)
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, app+".log"),
		MaxSize:    EnvInt("DESKTOPSERVER_LOG_MAX_SIZE_MB", 20),
		MaxBackups: EnvInt("DESKTOPSERVER_LOG_MAX_BACKUPS", 5),
		MaxAge:     EnvInt("DESKTOPSERVER_LOG_MAX_AGE_DAYS", 7),
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
	return w
}

// EnvInt reads a positive integer from the environment, falling back to def.
func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Writer adapts the standard logger for libraries that want an io.Writer,
// prefixing every line.
func Writer(prefix string) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		_ = log.Output(2, prefix+string(trimNewline(p)))
		return len(p), nil
	})
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
