package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	svc "github.com/kardianos/service"

	"jmrithrottle/gateway/pkg/config"
	"jmrithrottle/gateway/pkg/gateway"
	"jmrithrottle/gateway/pkg/logging"
	"jmrithrottle/gateway/pkg/metrics"
	"jmrithrottle/gateway/pkg/registry"
	"jmrithrottle/gateway/pkg/upstream"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", filepath.Join("config", "server.json"), "path to server config (JSON, optional)")
	svcCmd := flag.String("service", "", "service control: install|uninstall|start|stop|run")
	svcName := flag.String("svcname", "JMRIThrottleGateway", "service name")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*cfgPath)
	if err != nil {
		log.Fatalf("[CONFIG] load %s: %v", *cfgPath, err)
	}
	closer := logging.Setup("server", cfg.LogDir)
	defer closer.Close()
	logging.SetDebug(cfg.Debug)
	log.Printf("[BOOT] throttle gateway %s", version)

	if *svcCmd != "" {
		if err := handleServiceCmd(*svcCmd, *svcName, *cfgPath, cfg); err != nil {
			log.Fatalf("[SERVICE] %s failed: %v", *svcCmd, err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, *cfgPath, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

// serve connects upstream, waits for the handshake and only then starts
// accepting sessions. It returns when ctx is cancelled or the listener fails.
func serve(ctx context.Context, cfgPath string, cfg config.ServerConfig) error {
	m := metrics.New()
	reg := registry.New(m)
	clock := &registry.Clock{}

	var res *upstream.Resolver
	if len(cfg.DNSServers) > 0 {
		res = upstream.NewResolver(cfg.DNSServers, 0)
	}
	link := upstream.NewLink(upstream.Config{
		Addr:              cfg.UpstreamAddr,
		ThrottleName:      cfg.ThrottleName,
		HeartbeatInterval: cfg.HeartbeatInterval.Duration,
		DialTimeout:       cfg.DialTimeout.Duration,
		Resolver:          res,
	}, reg, clock, m)

	linkCtx, cancelLink := context.WithCancel(ctx)
	defer cancelLink()
	linkErr := make(chan error, 1)
	go func() { linkErr <- link.Run(linkCtx) }()

	select {
	case <-link.Ready():
	case err := <-linkErr:
		var ce *upstream.ConnectError
		if errors.As(err, &ce) {
			return fmt.Errorf("[UPSTREAM] %w", err)
		}
		return err
	case <-ctx.Done():
		return nil
	}
	log.Printf("[UPSTREAM] connected to %s as %q (session %s)", cfg.UpstreamAddr, cfg.ThrottleName, link.ID())

	gw := gateway.New(reg, clock, link, m, gateway.Options{ReleaseSharedAddresses: cfg.ReleaseSharedAddresses})
	srv := &http.Server{Addr: cfg.Addr, Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}

	if cfgPath != "" {
		go func() {
			if err := config.Watch(ctx, cfgPath, 500*time.Millisecond, func() { reload(cfgPath, cfg) }); err != nil {
				log.Printf("[CONFIG] watcher disabled: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.Printf("[WS] listening on %s", cfg.Addr)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[BOOT] shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case err := <-linkErr:
			// no reconnection: sessions stay up, their commands are dropped
			log.Printf("[UPSTREAM] link ended: %v", err)
			linkErr = nil
		}
	}
}

// reload applies the settings that can change at runtime and reports the rest.
func reload(path string, cur config.ServerConfig) {
	next, err := config.LoadServerConfig(path)
	if err != nil {
		log.Printf("[CONFIG] reload failed: %v", err)
		return
	}
	if next.Debug != logging.IsDebug() {
		logging.SetDebug(next.Debug)
		log.Printf("[CONFIG] debug=%v", next.Debug)
	}
	if changed := restartRequired(cur, next); len(changed) > 0 {
		log.Printf("[CONFIG] changed %s; restart to apply", strings.Join(changed, ", "))
	}
}

// restartRequired lists the fields that differ and are only read at startup.
func restartRequired(a, b config.ServerConfig) []string {
	var out []string
	if a.Addr != b.Addr {
		out = append(out, "addr")
	}
	if a.UpstreamAddr != b.UpstreamAddr {
		out = append(out, "upstream_addr")
	}
	if a.ThrottleName != b.ThrottleName {
		out = append(out, "throttle_name")
	}
	if a.HeartbeatInterval != b.HeartbeatInterval {
		out = append(out, "heartbeat_interval")
	}
	if a.DialTimeout != b.DialTimeout {
		out = append(out, "dial_timeout")
	}
	if strings.Join(a.DNSServers, ",") != strings.Join(b.DNSServers, ",") {
		out = append(out, "dns_servers")
	}
	if a.ReleaseSharedAddresses != b.ReleaseSharedAddresses {
		out = append(out, "release_shared_addresses")
	}
	if a.LogDir != b.LogDir {
		out = append(out, "log_dir")
	}
	return out
}

// ---- Service integration ----
type program struct {
	cfgPath string
	cfg     config.ServerConfig
	cancel  context.CancelFunc
	done    chan struct{}
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := serve(ctx, p.cfgPath, p.cfg); err != nil {
			log.Printf("[SERVICE] gateway stopped: %v", err)
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
		log.Printf("[SERVICE] shutdown timed out")
	}
	return nil
}

func handleServiceCmd(cmd, name, cfgPath string, cfg config.ServerConfig) error {
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return err
	}
	sc := &svc.Config{
		Name:        name,
		DisplayName: name,
		Description: "JMRI WiThrottle websocket gateway",
		Arguments:   []string{"-config", abs, "-service", "run", "-svcname", name},
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	p := &program{cfgPath: abs, cfg: cfg}
	s, err := svc.New(p, sc)
	if err != nil {
		return err
	}
	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}
