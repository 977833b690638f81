package upstream

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmrithrottle/gateway/pkg/mailbox"
	"jmrithrottle/gateway/pkg/proto"
	"jmrithrottle/gateway/pkg/registry"
)

type dispatched struct {
	broadcast bool
	addr      proto.Address
	msg       proto.Message
}

type fakeDispatcher struct {
	ch chan dispatched
}

func newFakeDispatcher() *fakeDispatcher { return &fakeDispatcher{ch: make(chan dispatched, 64)} }

func (d *fakeDispatcher) BroadcastAll(msg proto.Message) int {
	d.ch <- dispatched{broadcast: true, msg: msg}
	return 1
}

func (d *fakeDispatcher) RouteByAddress(addr proto.Address, msg proto.Message) int {
	d.ch <- dispatched{addr: addr, msg: msg}
	return 1
}

func (d *fakeDispatcher) next(t *testing.T) dispatched {
	t.Helper()
	select {
	case v := <-d.ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("nothing dispatched")
		return dispatched{}
	}
}

// fakeServer is a control server on a loopback listener.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, conns: make(chan net.Conn, 1)}
	go func() {
		c, err := ln.Accept()
		if err == nil {
			s.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) accept(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c, bufio.NewReader(c)
	case <-time.After(2 * time.Second):
		t.Fatal("link never connected")
		return nil, nil
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	type res struct {
		s   string
		err error
	}
	ch := make(chan res, 1)
	go func() {
		s, err := r.ReadString('\n')
		ch <- res{s, err}
	}()
	select {
	case v := <-ch:
		require.NoError(t, v.err)
		return strings.TrimRight(v.s, "\n")
	case <-time.After(2 * time.Second):
		t.Fatal("no line from link")
		return ""
	}
}

func startLink(t *testing.T, cfg Config, d Dispatcher, clock ClockSetter) (*Link, context.CancelFunc, chan error) {
	t.Helper()
	l := NewLink(cfg, d, clock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	t.Cleanup(cancel)
	return l, cancel, errc
}

func waitReady(t *testing.T, l *Link) {
	t.Helper()
	select {
	case <-l.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("link not ready")
	}
}

func TestHandshakeThenReady(t *testing.T) {
	srv := newFakeServer(t)
	l, _, _ := startLink(t, Config{Addr: srv.ln.Addr().String(), ThrottleName: "Yard", HeartbeatInterval: time.Hour}, newFakeDispatcher(), &registry.Clock{})

	_, r := srv.accept(t)
	assert.Equal(t, "HU"+l.ID().String(), readLine(t, r))
	assert.Equal(t, "NYard", readLine(t, r))
	waitReady(t, l)
	assert.True(t, l.Connected())
}

func TestReaderDispatches(t *testing.T) {
	srv := newFakeServer(t)
	d := newFakeDispatcher()
	clock := &registry.Clock{}
	l, _, _ := startLink(t, Config{Addr: srv.ln.Addr().String(), HeartbeatInterval: time.Hour}, d, clock)
	conn, _ := srv.accept(t)
	waitReady(t, l)

	_, err := conn.Write([]byte(strings.Join([]string{
		"PTA2LT12",
		"",
		"   ",
		"MTAS3<;>X1",
		"PFT1699999999<;>1.0",
		"RL1]\\[Loco}|{3}|{S",
		"MTAS3<;>V5",
		"MT-L128<;>",
	}, "\n") + "\n"))
	require.NoError(t, err)

	got := d.next(t)
	assert.True(t, got.broadcast)
	assert.Equal(t, proto.New(0, proto.Time(1699999999)), got.msg)
	assert.Equal(t, int64(1699999999), clock.Get())

	got = d.next(t)
	assert.False(t, got.broadcast)
	assert.Equal(t, proto.Address(3), got.addr)
	assert.Equal(t, proto.New(3, proto.SetVelocity(5)), got.msg)

	got = d.next(t)
	assert.Equal(t, proto.New(128, proto.RemoveAddress), got.msg)

	select {
	case extra := <-d.ch:
		t.Fatalf("unexpected dispatch %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReaderSurvivesOversizedLine(t *testing.T) {
	srv := newFakeServer(t)
	d := newFakeDispatcher()
	l, _, _ := startLink(t, Config{Addr: srv.ln.Addr().String(), HeartbeatInterval: time.Hour}, d, &registry.Clock{})
	conn, _ := srv.accept(t)
	waitReady(t, l)

	// a roster line well past bufio.Scanner's default token limit
	roster := "RL4000" + strings.Repeat("]\\[Loco}|{3}|{S", 6000)
	require.Greater(t, len(roster), 64*1024)

	go func() {
		_, _ = conn.Write([]byte(roster + "\nMTAS3<;>V5\n"))
	}()

	got := d.next(t)
	assert.Equal(t, proto.New(3, proto.SetVelocity(5)), got.msg)
	assert.True(t, l.Connected())
}

func TestWriterKeepsFIFOAndHeartbeat(t *testing.T) {
	srv := newFakeServer(t)
	l, _, _ := startLink(t, Config{Addr: srv.ln.Addr().String(), HeartbeatInterval: time.Hour}, newFakeDispatcher(), &registry.Clock{})
	_, r := srv.accept(t)
	readLine(t, r)
	readLine(t, r)
	waitReady(t, l)

	require.NoError(t, l.Enqueue(proto.New(5, proto.AddAddress)))
	require.NoError(t, l.Enqueue(proto.New(5, proto.SetVelocity(12))))
	require.NoError(t, l.Enqueue(proto.New(5, proto.SetDirection(proto.Reverse))))
	require.NoError(t, l.Enqueue(proto.New(5, proto.RemoveAddress)))

	assert.Equal(t, "MT+S5<;>S5", readLine(t, r))
	assert.Equal(t, "MTAS5<;>V12", readLine(t, r))
	assert.Equal(t, "MTAS5<;>R0", readLine(t, r))
	assert.Equal(t, "MT-S5<;>S5", readLine(t, r))

	assert.ErrorIs(t, l.Enqueue(proto.New(0, proto.Time(1))), proto.ErrNotEncodable)
}

func TestHeartbeatOnFixedInterval(t *testing.T) {
	srv := newFakeServer(t)
	l, _, _ := startLink(t, Config{Addr: srv.ln.Addr().String(), HeartbeatInterval: 10 * time.Millisecond}, newFakeDispatcher(), &registry.Clock{})
	_, r := srv.accept(t)
	readLine(t, r)
	readLine(t, r)
	waitReady(t, l)

	assert.Equal(t, "*", readLine(t, r))
	assert.Equal(t, "*", readLine(t, r))
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	l := NewLink(Config{Addr: addr, DialTimeout: time.Second}, newFakeDispatcher(), &registry.Clock{}, nil)
	err = l.Run(context.Background())

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, addr, ce.Addr)
	select {
	case <-l.Ready():
		t.Fatal("ready fired without a connection")
	default:
	}
}

func TestMessagesDroppedAfterWriterDies(t *testing.T) {
	client, server := net.Pipe()
	l := NewLink(Config{HeartbeatInterval: time.Hour}, newFakeDispatcher(), &registry.Clock{}, nil)
	l.dialFn = func(context.Context) (net.Conn, error) { return client, nil }

	// swallow the handshake, then drop the connection
	go func() {
		r := bufio.NewReader(server)
		_, _ = r.ReadString('\n')
		_, _ = r.ReadString('\n')
		server.Close()
	}()

	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()
	waitReady(t, l)

	require.Eventually(t, func() bool { return !l.Connected() }, 2*time.Second, 5*time.Millisecond)

	// the first write after the peer is gone fails and stops the writer
	_ = l.Enqueue(proto.New(3, proto.SetVelocity(1)))
	require.Eventually(t, func() bool {
		return errors.Is(l.Enqueue(proto.New(3, proto.SetVelocity(2))), mailbox.ErrClosed)
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after all tasks stopped")
	}
}

func TestCancelStopsAllTasks(t *testing.T) {
	srv := newFakeServer(t)
	l, cancel, errc := startLink(t, Config{Addr: srv.ln.Addr().String(), HeartbeatInterval: 5 * time.Millisecond}, newFakeDispatcher(), &registry.Clock{})
	srv.accept(t)
	waitReady(t, l)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.ErrorIs(t, l.Enqueue(proto.New(1, proto.AddAddress)), mailbox.ErrClosed)
}

func TestConcurrentProducersShareOneQueue(t *testing.T) {
	srv := newFakeServer(t)
	l, _, _ := startLink(t, Config{Addr: srv.ln.Addr().String(), HeartbeatInterval: time.Hour}, newFakeDispatcher(), &registry.Clock{})
	_, r := srv.accept(t)
	readLine(t, r)
	readLine(t, r)
	waitReady(t, l)

	const producers, each = 4, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(addr proto.Address) {
			defer wg.Done()
			for i := 1; i <= each; i++ {
				_ = l.Enqueue(proto.New(addr, proto.SetVelocity(proto.Velocity(i))))
			}
		}(proto.Address(p + 1))
	}
	wg.Wait()

	last := map[string]int{}
	for n := 0; n < producers*each; n++ {
		line := readLine(t, r)
		head, action, _ := strings.Cut(line, proto.Delimiter)
		mt, err := proto.DecodeAction(action)
		require.NoError(t, err)
		v := int(mt.Velocity)
		require.Greater(t, v, last[head], "per-producer order broken for %s", head)
		last[head] = v
	}
}
