// Package upstream owns the single long-lived connection to the control
// server speaking the line-oriented throttle protocol.
//
// There is no reconnection: a failed dial is returned to the
// caller as a ConnectError, and a read or write failure ends only the task it
// happened in. The heartbeat period is fixed and the outbound queue is unbounded.
package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jmrithrottle/gateway/pkg/logging"
	"jmrithrottle/gateway/pkg/mailbox"
	"jmrithrottle/gateway/pkg/metrics"
	"jmrithrottle/gateway/pkg/proto"
)

const (
	DefaultAddr              = "localhost:12090"
	DefaultThrottleName      = "TestThrottleRs"
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultDialTimeout       = 10 * time.Second
)

type Config struct {
	Addr              string
	ThrottleName      string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	// Resolver is optional; nil dials with the system resolver.
	Resolver *Resolver
}

// Dispatcher fans decoded lines out to sessions.
type Dispatcher interface {
	BroadcastAll(msg proto.Message) int
	RouteByAddress(addr proto.Address, msg proto.Message) int
}

// ClockSetter stores the latest fast-clock value.
type ClockSetter interface {
	Set(t int64)
}

// ConnectError is returned by Run when the control server cannot be reached.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Addr, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// ErrStopped is returned by Run when every task ended on its own.
var ErrStopped = errors.New("upstream link stopped")

type Link struct {
	cfg        Config
	id         uuid.UUID
	dispatcher Dispatcher
	clock      ClockSetter
	metrics    *metrics.Metrics

	out       *mailbox.Mailbox[string]
	ready     chan struct{}
	connected atomic.Bool

	dialFn func(ctx context.Context) (net.Conn, error)
}

// NewLink prepares a link; nothing is dialed until Run.
func NewLink(cfg Config, dispatcher Dispatcher, clock ClockSetter, m *metrics.Metrics) *Link {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ThrottleName == "" {
		cfg.ThrottleName = DefaultThrottleName
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Link{
		cfg:        cfg,
		id:         uuid.New(),
		dispatcher: dispatcher,
		clock:      clock,
		metrics:    m,
		out:        mailbox.New[string](),
		ready:      make(chan struct{}),
	}
}

func (l *Link) ID() uuid.UUID { return l.id }

// Ready is closed once the connection is up and the handshake was written.
func (l *Link) Ready() <-chan struct{} { return l.ready }

// Connected reports whether both reader and writer are still running.
func (l *Link) Connected() bool { return l.connected.Load() }

func (l *Link) QueueLen() int { return l.out.Len() }

// Enqueue encodes msg and queues it for the writer. After the writer has
// died the message is dropped and mailbox.ErrClosed is returned.
func (l *Link) Enqueue(msg proto.Message) error {
	line, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return l.enqueueLine(line)
}

func (l *Link) enqueueLine(line string) error {
	if err := l.out.Push(line); err != nil {
		return err
	}
	l.metrics.SetUpstreamQueue(l.out.Len())
	return nil
}

// Run dials the control server, sends the identification handshake, signals
// Ready and then serves the reader, writer and heartbeat until all of them
// have stopped or ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return &ConnectError{Addr: l.cfg.Addr, Err: err}
	}
	defer conn.Close()
	log.Printf("[UPSTREAM] connected to %s (id=%s)", l.cfg.Addr, l.id)

	handshake := fmt.Sprintf("HU%s\nN%s\n", l.id, l.cfg.ThrottleName)
	if _, err := conn.Write([]byte(handshake)); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	l.connected.Store(true)
	close(l.ready)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		l.readLoop(conn)
	}()
	go func() {
		defer wg.Done()
		l.writeLoop(runCtx, conn)
	}()
	go func() {
		defer wg.Done()
		l.heartbeatLoop(runCtx)
	}()

	go func() {
		<-runCtx.Done()
		// unblock the reader
		_ = conn.Close()
		l.out.Close()
	}()

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrStopped
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	if l.dialFn != nil {
		return l.dialFn(ctx)
	}
	if l.cfg.Resolver != nil {
		return l.cfg.Resolver.DialContext(ctx, l.cfg.Addr, l.cfg.DialTimeout)
	}
	d := net.Dialer{Timeout: l.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", l.cfg.Addr)
}

func (l *Link) readLoop(conn net.Conn) {
	defer l.connected.Store(false)

	// lines have no length cap; an oversized status line is read and discarded
	r := bufio.NewReader(conn)
	for {
		raw, err := r.ReadString('\n')
		if line := strings.TrimSpace(raw); line != "" {
			l.metrics.UpstreamLine("in")
			l.dispatch(line)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			log.Printf("[UPSTREAM] connection closed, reader stopped")
			return
		}
		log.Printf("[UPSTREAM] read error, reader stopped: %v", err)
		return
	}
}

func (l *Link) dispatch(line string) {
	msg, ok, err := proto.Decode(line)
	if err != nil {
		log.Printf("[UPSTREAM] skipping line: %v", err)
		l.metrics.DecodeError("upstream")
		return
	}
	if !ok {
		return
	}
	if msg.Type.Kind == proto.KindTime {
		l.clock.Set(msg.Type.Time)
		l.dispatcher.BroadcastAll(msg)
		return
	}
	n := l.dispatcher.RouteByAddress(msg.Address, msg)
	logging.Debugf("[UPSTREAM] %s -> %d session(s)", msg, n)
}

func (l *Link) writeLoop(ctx context.Context, conn net.Conn) {
	defer l.connected.Store(false)
	// queued and later messages are dropped once the writer is gone
	defer l.out.Close()

	w := bufio.NewWriter(conn)
	for {
		line, err := l.out.Pop(ctx)
		if err != nil {
			return
		}
		l.metrics.SetUpstreamQueue(l.out.Len())
		if line == "" {
			continue
		}
		logging.Debugf("[UPSTREAM] send %s", line)
		_, err = w.WriteString(line + "\n")
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			log.Printf("[UPSTREAM] write error, writer stopped: %v", err)
			return
		}
		l.metrics.UpstreamLine("out")
	}
}

// heartbeatLoop enqueues "*" on a fixed period, with no jitter or backoff.
func (l *Link) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(l.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.out.Done():
			return
		case <-t.C:
			if err := l.enqueueLine(proto.Heartbeat); err != nil {
				return
			}
		}
	}
}
