package registry

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"jmrithrottle/gateway/pkg/mailbox"
	"jmrithrottle/gateway/pkg/proto"
)

// Outbox is the outbound channel of one session.
type Outbox = mailbox.Mailbox[proto.Message]

var ErrDuplicateSession = errors.New("session already registered")

// Metrics is the subset of gateway metrics the registry reports to.
type Metrics interface {
	SetSessions(n int)
	Delivered(mode string, n int)
	SendError()
}

type session struct {
	id        uuid.UUID
	addresses map[proto.Address]struct{}
	out       *Outbox
}

// Departure is what an unregistered session left behind.
type Departure struct {
	ID uuid.UUID
	// Addresses the session held at teardown.
	Addresses []proto.Address
	// Orphaned is the subset of Addresses no remaining session holds.
	Orphaned []proto.Address
}

// Registry is the directory of connected sessions and their subscriptions.
// Fan-out takes the read lock only long enough to snapshot the recipients;
// deliveries happen after it is released.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	metrics  Metrics
}

// New creates an empty registry. metrics may be nil.
func New(metrics Metrics) *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*session), metrics: metrics}
}

// Register adds a session with its outbound channel. The registry owns out
// from now on and closes it on Unregister.
func (r *Registry) Register(id uuid.UUID, out *Outbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return ErrDuplicateSession
	}
	r.sessions[id] = &session{id: id, addresses: make(map[proto.Address]struct{}), out: out}
	r.reportSessions()
	return nil
}

// Unregister removes the session and closes its outbound channel, which ends
// the session's send loop. ok is false if id was not registered.
func (r *Registry) Unregister(id uuid.UUID) (dep Departure, ok bool) {
	r.mu.Lock()
	s, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		return Departure{}, false
	}
	delete(r.sessions, id)

	dep.ID = id
	for addr := range s.addresses {
		dep.Addresses = append(dep.Addresses, addr)
		if !r.heldLocked(addr) {
			dep.Orphaned = append(dep.Orphaned, addr)
		}
	}
	r.reportSessions()
	r.mu.Unlock()

	s.out.Close()
	sortAddresses(dep.Addresses)
	sortAddresses(dep.Orphaned)
	return dep, true
}

// Subscribe records the session's interest in addr. It reports false for an
// unknown session.
func (r *Registry) Subscribe(id uuid.UUID, addr proto.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.addresses[addr] = struct{}{}
	return true
}

func (r *Registry) Unsubscribe(id uuid.UUID, addr proto.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(s.addresses, addr)
	return true
}

// BroadcastAll sends msg to every registered session and returns how many
// accepted it.
func (r *Registry) BroadcastAll(msg proto.Message) int {
	return r.deliver("broadcast", r.snapshot(func(*session) bool { return true }), msg)
}

// RouteByAddress sends msg only to sessions subscribed to addr.
func (r *Registry) RouteByAddress(addr proto.Address, msg proto.Message) int {
	return r.deliver("routed", r.snapshot(func(s *session) bool {
		_, ok := s.addresses[addr]
		return ok
	}), msg)
}

type recipient struct {
	id  uuid.UUID
	out *Outbox
}

func (r *Registry) snapshot(match func(*session) bool) []recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]recipient, 0, len(r.sessions))
	for _, s := range r.sessions {
		if match(s) {
			out = append(out, recipient{id: s.id, out: s.out})
		}
	}
	return out
}

// deliver never stops early: a session that cannot take the message is
// logged and left for its own teardown to remove.
func (r *Registry) deliver(mode string, to []recipient, msg proto.Message) int {
	sent := 0
	for _, rc := range to {
		if err := rc.out.Push(msg); err != nil {
			log.Printf("[REGISTRY] send to %s failed: %v", rc.id, err)
			if r.metrics != nil {
				r.metrics.SendError()
			}
			continue
		}
		sent++
	}
	if r.metrics != nil {
		r.metrics.Delivered(mode, sent)
	}
	return sent
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Addresses returns the sorted subscriptions of a session.
func (r *Registry) Addresses(id uuid.UUID) ([]proto.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	out := make([]proto.Address, 0, len(s.addresses))
	for addr := range s.addresses {
		out = append(out, addr)
	}
	sortAddresses(out)
	return out, true
}

// Held reports whether any registered session subscribes to addr.
func (r *Registry) Held(addr proto.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.heldLocked(addr)
}

func (r *Registry) heldLocked(addr proto.Address) bool {
	for _, s := range r.sessions {
		if _, ok := s.addresses[addr]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) reportSessions() {
	if r.metrics != nil {
		r.metrics.SetSessions(len(r.sessions))
	}
}

func sortAddresses(a []proto.Address) {
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
}
