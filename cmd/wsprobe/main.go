// Command wsprobe talks to a running desktopserver: the status channel for
// health, the secure channel for protocol and command checks.
package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"toolkit/desktopserver/pkg/config"
	"toolkit/desktopserver/pkg/portcheck"
	"toolkit/desktopserver/pkg/proto"
	"toolkit/desktopserver/pkg/status"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: wsprobe [flags] <status|version|call <name> [json]>

flags:
`)
	flag.PrintDefaults()
}

func main() {
	cfgPath := flag.String("config", "", "server configuration file used for ports and origin")
	originFlag := flag.String("origin", "", "Origin header for the secure channel (default derived from the whitelist)")
	insecure := flag.Bool("insecure", false, "skip certificate verification")
	wait := flag.Duration("wait", 0, "keep retrying with backoff until reachable, up to this long")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Usage = usage
	flag.Parse()
	log.SetFlags(0)

	path, err := config.Locate(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	pc, err := config.LoadProbeConfig(path)
	if err != nil {
		log.Fatal(err)
	}
	if *originFlag != "" {
		pc.Origin = *originFlag
	}

	p := &prober{cfg: pc, insecure: *insecure, wait: *wait, timeout: *timeout}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	switch args[0] {
	case "status":
		err = p.status()
	case "version":
		err = p.version()
	case "call":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		data := "null"
		if len(args) > 2 {
			data = args[2]
		}
		err = p.call(args[1], data)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

type prober struct {
	cfg      config.ProbeConfig
	insecure bool
	wait     time.Duration
	timeout  time.Duration
}

// dial connects to url on port, retrying with backoff while p.wait allows.
func (p *prober) dial(url string, port int, header http.Header) (*websocket.Conn, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: p.timeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: p.insecure},
	}
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	deadline := time.Now().Add(p.wait)
	for {
		ws, resp, err := d.Dial(url, header)
		if err == nil {
			return ws, nil
		}
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("origin %q rejected by server", header.Get("Origin"))
		}
		if time.Now().After(deadline) {
			if portcheck.Free(p.cfg.Host, port) {
				return nil, fmt.Errorf("dial %s: nothing is listening on port %d", url, port)
			}
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		wait := b.Duration()
		log.Printf("dial %s: %v; retry in %s", url, err, wait)
		time.Sleep(wait)
	}
}

func (p *prober) roundTrip(ws *websocket.Conn, msg []byte) ([]byte, error) {
	_ = ws.SetWriteDeadline(time.Now().Add(p.timeout))
	if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Now().Add(p.timeout))
	_, b, err := ws.ReadMessage()
	return b, err
}

func (p *prober) status() error {
	ws, err := p.dial(p.cfg.StatusURL(), p.cfg.StatusPort, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ping, err := p.roundTrip(ws, []byte(status.PingRequest))
	if err != nil {
		return err
	}
	code, err := p.roundTrip(ws, []byte(status.LastErrorCall))
	if err != nil {
		return err
	}
	fmt.Printf("ping: %s\nlast status: %s\n", ping, describe(string(code)))
	return nil
}

func describe(code string) string {
	var n int
	if _, err := fmt.Sscanf(code, "%d", &n); err != nil {
		return code
	}
	return fmt.Sprintf("%d (%s)", n, status.Code(n))
}

func (p *prober) secure() (*websocket.Conn, error) {
	h := http.Header{}
	h.Set("Origin", p.cfg.Origin)
	return p.dial(p.cfg.SecureURL(), p.cfg.Port, h)
}

func (p *prober) version() error {
	ws, err := p.secure()
	if err != nil {
		return err
	}
	defer ws.Close()
	b, err := p.roundTrip(ws, []byte(proto.HandshakeProbe))
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func (p *prober) call(name, data string) error {
	if !json.Valid([]byte(data)) {
		return errors.New("command data must be valid JSON")
	}
	req := proto.Envelope{
		ID:              json.RawMessage("1"),
		Timestamp:       proto.Now(),
		ProtocolVersion: proto.ProtocolVersion,
		Command:         &proto.Command{Name: name, Data: json.RawMessage(data)},
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ws, err := p.secure()
	if err != nil {
		return err
	}
	defer ws.Close()
	b, err := p.roundTrip(ws, msg)
	if err != nil {
		return err
	}
	var env proto.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("unexpected reply %s: %w", b, err)
	}
	if env.Error {
		return fmt.Errorf("server error: %s", env.ErrorMessage)
	}
	fmt.Println(string(env.Reply))
	return nil
}
