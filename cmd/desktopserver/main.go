package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	svc "github.com/kardianos/service"

	"toolkit/desktopserver/pkg/certs"
	"toolkit/desktopserver/pkg/commands"
	"toolkit/desktopserver/pkg/config"
	"toolkit/desktopserver/pkg/dispatch"
	"toolkit/desktopserver/pkg/logging"
	"toolkit/desktopserver/pkg/metrics"
	"toolkit/desktopserver/pkg/origin"
	"toolkit/desktopserver/pkg/process"
	"toolkit/desktopserver/pkg/relay"
	"toolkit/desktopserver/pkg/status"
)

var version = "0.1.0"

func main() {
	debug := flag.Bool("debug", false, "verbose logging")
	cfgPath := flag.String("config", "", "configuration file (env "+config.LocationEnv+", default config.json next to the executable)")
	ensureCert := flag.Bool("ensure-cert", false, "create and register the certificate when missing, then exit")
	unregisterCert := flag.Bool("unregister-cert", false, "remove the certificate from the trust store and disk, then exit")
	svcCmd := flag.String("service", "", "service control: install|uninstall|start|stop|run")
	svcName := flag.String("svcname", "ShotgunDesktopServer", "service name")
	flag.Parse()

	rotator := logging.Setup("desktopserver")
	defer rotator.Close()
	logging.SetDebug(*debug)
	logging.Debugf("[BOOT] debug on, version=%s", version)

	path, err := config.Locate(*cfgPath)
	if err != nil {
		log.Fatalf("[CONFIG] %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("[CONFIG] %v", err)
	}
	cfg.Dump(log.Printf)

	if *ensureCert || *unregisterCert {
		p := certs.NewFileProvider(cfg.CertificateFolder)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if *unregisterCert {
			if err := certs.Revoke(ctx, p, certs.NewRegistrar(p)); err != nil {
				log.Fatalf("[CERT] %v", err)
			}
			return
		}
		if err := certs.Ensure(ctx, p, certs.NewRegistrar(p)); err != nil {
			log.Fatalf("[CERT] %v", err)
		}
		log.Printf("[CERT] certificate ready in %s", p.Folder)
		return
	}

	prg := &program{cfg: cfg}
	s, err := svc.New(prg, &svc.Config{
		Name:        *svcName,
		DisplayName: *svcName,
		Description: "Local secure WebSocket server for browser integration",
		Arguments:   serviceArgs(path, *debug),
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true},
	})
	if err != nil {
		log.Fatalf("[SVC] %v", err)
	}
	if *svcCmd != "" && *svcCmd != "run" {
		if err := control(s, *svcCmd); err != nil {
			log.Fatalf("[SVC] %s failed: %v", *svcCmd, err)
		}
		return
	}
	if !cfg.Enabled {
		log.Printf("[BOOT] browser integration disabled in %s", path)
		return
	}
	// Run blocks until the service manager or an interrupt stops it.
	if err := s.Run(); err != nil {
		log.Fatalf("[SVC] %v", err)
	}
}

func serviceArgs(cfgPath string, debug bool) []string {
	args := []string{"-config", cfgPath}
	if debug {
		args = append(args, "-debug")
	}
	return args
}

func control(s svc.Service, cmd string) error {
	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}

// program is the kardianos entry point around one relay server.
type program struct {
	cfg config.Config

	state  *status.State
	srv    *relay.Server
	cancel context.CancelFunc
}

func (p *program) Start(svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.state = status.NewState()

	reg := metrics.NewRegistry()
	obs := metrics.NewObserver(reg, p.state)

	mgr := process.NewManager(p.cfg.Launcher, nil)
	d := dispatch.New(commands.Registry(mgr),
		dispatch.WithTimeout(time.Duration(p.cfg.CommandTimeout)),
		dispatch.WithObserver(obs),
	)
	provider := certs.NewFileProvider(p.cfg.CertificateFolder)
	p.srv = relay.NewServer(relay.Config{
		Host:          p.cfg.Host,
		Port:          p.cfg.Port,
		StatusPort:    p.cfg.StatusPort,
		Whitelist:     origin.Parse(p.cfg.Whitelist),
		Certs:         provider,
		LowLevelDebug: p.cfg.LowLevelDebug,
	}, d, p.state, relay.WithObserver(obs))

	if err := p.srv.Start(); err != nil {
		var mce *relay.MissingCertificateError
		var pbe *relay.PortBusyError
		switch {
		case errors.As(err, &mce):
			p.state.Set(status.NoCertificateFile)
			log.Printf("[WSS] %v; run with -ensure-cert to create one", err)
		case errors.As(err, &pbe):
			log.Printf("[WSS] %v", err)
		default:
			log.Printf("[WSS] start failed: %v", err)
		}
		cancel()
		return err
	}

	go func() {
		err := certs.Watch(ctx, provider, func(string) { p.state.Set(status.NoCertificateFile) })
		if err != nil {
			log.Printf("[CERT] watcher stopped: %v", err)
		}
	}()
	if p.cfg.Path != "" {
		go func() {
			err := config.Watch(ctx, p.cfg.Path, func() {
				log.Printf("[CONFIG] %s changed; restart required for the new settings to apply", p.cfg.Path)
			})
			if err != nil {
				log.Printf("[CONFIG] watcher stopped: %v", err)
			}
		}()
	}
	if p.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, p.cfg.MetricsAddr, reg); err != nil {
				log.Printf("[METRICS] %v", err)
			}
		}()
	}
	return nil
}

func (p *program) Stop(svc.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.srv == nil {
		return nil
	}
	return p.srv.Stop()
}
