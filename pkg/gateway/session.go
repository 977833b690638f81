package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jmrithrottle/gateway/pkg/logging"
	"jmrithrottle/gateway/pkg/mailbox"
	"jmrithrottle/gateway/pkg/proto"
	"jmrithrottle/gateway/pkg/registry"
)

// State is the lifecycle position of one client connection.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type session struct {
	id    uuid.UUID
	conn  *websocket.Conn
	out   *registry.Outbox
	state atomic.Int32
	gw    *Gateway
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
	logging.Debugf("[WS] %s %s", s.id, st)
}

// run drives Connecting -> Open -> Closing -> Closed. It returns after both
// the receive and the send task have ended.
func (s *session) run() {
	s.setState(Connecting)
	// seed the clock before registering so it is the first frame out
	_ = s.out.Push(proto.New(0, proto.Time(s.gw.clock.Get())))
	if err := s.gw.registry.Register(s.id, s.out); err != nil {
		log.Printf("[WS] register %s: %v", s.id, err)
		s.out.Close()
		_ = s.conn.Close()
		s.setState(Closed)
		return
	}
	s.gw.metrics.SessionAccepted()
	log.Printf("[WS] session %s opened from %s (sessions=%d)", s.id, s.conn.RemoteAddr(), s.gw.registry.Count())
	s.setState(Open)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendLoop()
	}()

	s.receiveLoop()

	s.setState(Closing)
	dep, _ := s.gw.registry.Unregister(s.id)
	release := dep.Addresses
	if !s.gw.opts.ReleaseSharedAddresses {
		release = dep.Orphaned
	}
	for _, addr := range release {
		if err := s.gw.upstream.Enqueue(proto.New(addr, proto.RemoveAddress)); err != nil {
			logging.Debugf("[WS] release %d for %s dropped: %v", addr, s.id, err)
		}
	}
	_ = s.conn.Close()
	// Unregister closed the outbox, so the send loop is already on its way out
	wg.Wait()
	s.setState(Closed)
	log.Printf("[WS] session %s closed, released %v", s.id, release)
}

// receiveLoop handles inbound frames until a close frame or read error.
func (s *session) receiveLoop() {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("[WS] session %s read error: %v", s.id, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			logging.Debugf("[WS] session %s sent non-text frame (%d), ignored", s.id, kind)
			continue
		}
		s.handle(data)
	}
}

func (s *session) handle(data []byte) {
	msg, err := proto.DecodeEnvelope(data)
	if err != nil {
		log.Printf("[WS] session %s: %v", s.id, err)
		s.gw.metrics.DecodeError("session")
		return
	}
	logging.Debugf("[WS] session %s received %s", s.id, msg)

	switch msg.Type.Kind {
	case proto.KindAddAddress:
		s.gw.registry.Subscribe(s.id, msg.Address)
	case proto.KindRemoveAddress:
		s.gw.registry.Unsubscribe(s.id, msg.Address)
	}
	// a dead upstream drops the message without telling the session
	if err := s.gw.upstream.Enqueue(msg); err != nil {
		logging.Debugf("[WS] session %s: %s not forwarded: %v", s.id, msg, err)
	}
}

// sendLoop writes outbound messages until the outbox is closed. After the
// first failed write the socket is treated as dead and the rest is drained
// unsent; the receive task notices the broken connection and tears down.
func (s *session) sendLoop() {
	broken := false
	for {
		msg, err := s.out.Pop(context.Background())
		if err != nil {
			if !errors.Is(err, mailbox.ErrClosed) {
				log.Printf("[WS] session %s outbox: %v", s.id, err)
			}
			return
		}
		if broken {
			continue
		}
		if err := s.conn.WriteJSON(msg); err != nil {
			log.Printf("[WS] error sending to %s, dropping further output: %v", s.id, err)
			s.gw.metrics.SendError()
			broken = true
		}
	}
}
