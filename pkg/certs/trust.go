package certs

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"toolkit/desktopserver/pkg/logging"
)

const prettyName = "Shotgun Desktop Integration"

// RegistrationError reports a trust store command that did not succeed.
type RegistrationError struct {
	Action string
	Output string
	Err    error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("There was a problem %s: %v", e.Action, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Runner executes one external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// trustCommands are the store commands for one platform.
type trustCommands struct {
	list       []string
	register   []string
	unregister []string
}

func commandsFor(goos, certPath, home string) (trustCommands, error) {
	switch goos {
	case "linux":
		db := "sql:" + filepath.Join(home, ".pki", "nssdb")
		return trustCommands{
			list:       []string{"certutil", "-L", "-d", db},
			register:   []string{"certutil", "-A", "-d", db, "-i", certPath, "-n", prettyName, "-t", "TC,C,c"},
			unregister: []string{"certutil", "-D", "-d", db, "-n", prettyName},
		}, nil
	case "darwin":
		return trustCommands{
			list: []string{"security", "find-certificate", "-a", "-e", "localhost"},
			register: []string{"security", "add-trusted-cert", "-k",
				filepath.Join(home, "Library", "Keychains", "login.keychain"), "-r", "trustRoot", certPath},
			unregister: []string{"security", "delete-certificate", "-c", "localhost", "-t"},
		}, nil
	case "windows":
		return trustCommands{
			list:       []string{"certutil", "-user", "-store", "root"},
			register:   []string{"certutil", "-user", "-addstore", "root", strings.ReplaceAll(certPath, "/", `\`)},
			unregister: []string{"certutil", "-user", "-delstore", "root", "localhost"},
		}, nil
	default:
		return trustCommands{}, fmt.Errorf("platform %q not supported", goos)
	}
}

// Registrar installs the provider's certificate in the current user's
// trust store.
type Registrar struct {
	provider Provider
	run      Runner
	goos     string
	home     string
}

// NewRegistrar returns a Registrar for the running platform.
func NewRegistrar(p Provider) *Registrar {
	home, _ := os.UserHomeDir()
	return &Registrar{provider: p, run: execRunner, goos: runtime.GOOS, home: home}
}

func (r *Registrar) commands() (trustCommands, error) {
	return commandsFor(r.goos, r.provider.CertPath(), r.home)
}

func (r *Registrar) check(ctx context.Context, action string, argv []string) (string, error) {
	logging.Debugf("[CERT] %s: %s", action, strings.Join(argv, " "))
	out, err := r.run(ctx, argv[0], argv[1:]...)
	logging.Debugf("[CERT] output:\n%s", out)
	if err != nil {
		return string(out), &RegistrationError{Action: action, Output: string(out), Err: err}
	}
	return string(out), nil
}

// IsRegistered lists the store and looks for our certificate.
func (r *Registrar) IsRegistered(ctx context.Context) (bool, error) {
	cmds, err := r.commands()
	if err != nil {
		return false, err
	}
	out, err := r.check(ctx, "validating if the certificate was installed", cmds.list)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(out), "shotgun"), nil
}

// Register adds the certificate to the store.
func (r *Registrar) Register(ctx context.Context) error {
	cmds, err := r.commands()
	if err != nil {
		return err
	}
	if _, err := r.check(ctx, "registering the certificate", cmds.register); err != nil {
		return err
	}
	log.Printf("[CERT] registered %s", r.provider.CertPath())
	return nil
}

// Unregister removes the certificate from the store.
func (r *Registrar) Unregister(ctx context.Context) error {
	cmds, err := r.commands()
	if err != nil {
		return err
	}
	if r.goos == "darwin" {
		ok, err := r.IsRegistered(ctx)
		if err != nil || !ok {
			return err
		}
	}
	_, err = r.check(ctx, "unregistering the certificate", cmds.unregister)
	return err
}

// Ensure creates the pair when absent and registers it, the first-run path
// of the desktop application.
func Ensure(ctx context.Context, p *FileProvider, r *Registrar) error {
	missing := p.Missing()
	if missing == "" {
		return nil
	}
	log.Printf("[CERT] %s not found; creating certificate in %s", missing, p.Folder)
	if err := p.Create(); err != nil {
		return err
	}
	if err := r.Register(ctx); err != nil {
		log.Printf("[CERT] %v", err)
		return err
	}
	return nil
}

// Revoke removes the certificate from the trust store, then deletes the
// pair from disk.
func Revoke(ctx context.Context, p *FileProvider, r *Registrar) error {
	if err := r.Unregister(ctx); err != nil {
		return err
	}
	if err := p.Remove(); err != nil {
		return fmt.Errorf("remove certificate files: %w", err)
	}
	log.Printf("[CERT] removed certificate from %s", p.Folder)
	return nil
}
