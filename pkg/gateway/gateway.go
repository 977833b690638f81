// Package gateway accepts client sessions over WebSocket and bridges them to
// the upstream throttle link through the shared registry.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"jmrithrottle/gateway/pkg/mailbox"
	"jmrithrottle/gateway/pkg/metrics"
	"jmrithrottle/gateway/pkg/proto"
	"jmrithrottle/gateway/pkg/registry"
)

// Upstream is the outbound side of the control-server link.
type Upstream interface {
	Enqueue(msg proto.Message) error
	QueueLen() int
	Connected() bool
}

type Options struct {
	// ReleaseSharedAddresses sends RemoveAddress upstream for every address a
	// departing session held, even if another session still holds it. When
	// false only addresses nobody else holds are released.
	ReleaseSharedAddresses bool
}

type Gateway struct {
	registry *registry.Registry
	clock    *registry.Clock
	upstream Upstream
	metrics  *metrics.Metrics
	opts     Options
	started  time.Time

	upgrader websocket.Upgrader
	sessions sync.WaitGroup
}

// New wires a gateway around the shared registry and clock. metrics may be nil.
func New(reg *registry.Registry, clock *registry.Clock, up Upstream, m *metrics.Metrics, opts Options) *Gateway {
	return &Gateway{
		registry: reg,
		clock:    clock,
		upstream: up,
		metrics:  m,
		opts:     opts,
		started:  time.Now(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Handler serves /ws, /health, /status and /metrics.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Healthy"))
	})
	mux.HandleFunc("/status", g.handleStatus)
	mux.Handle("/metrics", g.metrics.Handler())
	return mux
}

// ServeWS upgrades the request and serves the session until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s := &session{id: uuid.New(), conn: ws, out: mailbox.New[proto.Message](), gw: g}

	g.sessions.Add(1)
	defer g.sessions.Done()
	s.run()
}

// Wait blocks until every session served so far has fully closed.
func (g *Gateway) Wait() { g.sessions.Wait() }

type processStatus struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	NumFDs     int32   `json:"num_fds,omitempty"`
	Goroutines int     `json:"goroutines"`
}

type status struct {
	Sessions          int            `json:"sessions"`
	Clock             int64          `json:"clock"`
	UpstreamConnected bool           `json:"upstream_connected"`
	UpstreamQueue     int            `json:"upstream_queue"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	Process           *processStatus `json:"process,omitempty"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := status{
		Sessions:          g.registry.Count(),
		Clock:             g.clock.Get(),
		UpstreamConnected: g.upstream.Connected(),
		UpstreamQueue:     g.upstream.QueueLen(),
		UptimeSeconds:     int64(time.Since(g.started).Seconds()),
		Process:           selfStatus(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func selfStatus() *processStatus {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	ps := &processStatus{PID: p.Pid, Goroutines: runtime.NumGoroutine()}
	if mem, err := p.MemoryInfo(); err == nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	if n, err := p.NumFDs(); err == nil {
		ps.NumFDs = n
	}
	return ps
}
