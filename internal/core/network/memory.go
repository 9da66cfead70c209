package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"zcm/internal/core/zcm"
)

// DefaultMemoryMTU matches the largest UDP payload so in-process tests see
// the same fragmentation as a real multicast medium.
const DefaultMemoryMTU = 65507

// MemoryBus is a process-local broadcast medium. Every packet sent by an
// endpoint is delivered to every endpoint, the sender included.
type MemoryBus struct {
	mtu int

	mu        sync.RWMutex
	nextID    int
	endpoints map[int]*MemoryMedium
	filter    func(from string, pkt []byte) bool
}

func NewMemoryBus(mtu int) *MemoryBus {
	if mtu <= 0 {
		mtu = DefaultMemoryMTU
	}
	return &MemoryBus{mtu: mtu, endpoints: make(map[int]*MemoryMedium)}
}

// SetFilter installs a predicate that decides whether a packet is
// delivered at all. Tests use it to simulate loss. nil delivers everything.
func (b *MemoryBus) SetFilter(f func(from string, pkt []byte) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = f
}

// Join attaches a new endpoint with an inbox of inboxSize packets.
func (b *MemoryBus) Join(inboxSize int) *MemoryMedium {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	m := &MemoryMedium{
		bus:  b,
		id:   id,
		peer: fmt.Sprintf("inproc-%d", id),
		in:   newInbox(inboxSize),
	}
	m.in.dropped = func() { m.overflow.Add(1) }
	b.endpoints[id] = m
	return m
}

func (b *MemoryBus) leave(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, id)
}

func (b *MemoryBus) deliver(from string, pkt []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.filter != nil && !b.filter(from, pkt) {
		return
	}
	now := time.Now()
	for _, ep := range b.endpoints {
		ep.in.push(Packet{Peer: from, Data: append([]byte(nil), pkt...), RecvTime: now})
	}
}

// MemoryMedium is one endpoint on a MemoryBus.
type MemoryMedium struct {
	bus      *MemoryBus
	id       int
	peer     string
	in       *inbox
	overflow atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// Peer is the address other endpoints see in received packets.
func (m *MemoryMedium) Peer() string { return m.peer }

func (m *MemoryMedium) MTU() int { return m.bus.mtu }

func (m *MemoryMedium) Send(pkt []byte) error {
	if m.closed.Load() {
		return zcm.ErrClosed
	}
	if len(pkt) > m.bus.mtu {
		return fmt.Errorf("%w: %d byte packet exceeds mtu %d", zcm.ErrMessageTooLarge, len(pkt), m.bus.mtu)
	}
	m.bus.deliver(m.peer, pkt)
	return nil
}

func (m *MemoryMedium) Receive(ctx context.Context) (Packet, error) { return m.in.receive(ctx) }

func (m *MemoryMedium) TryReceive() (Packet, error) { return m.in.tryReceive() }

func (m *MemoryMedium) SetInterest(string, bool) error { return nil }

func (m *MemoryMedium) Tick() {}

// Overflows counts packets dropped because this endpoint's inbox was full.
func (m *MemoryMedium) Overflows() uint64 { return m.overflow.Load() }

func (m *MemoryMedium) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.bus.leave(m.id)
		m.in.close()
	})
	return nil
}
