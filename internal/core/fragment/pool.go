// Package fragment reassembles fragmented messages, one in-progress message
// per sending peer, under a fixed budget of buffers and bytes.
package fragment

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bitset"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"zcm/internal/core/zcm"
)

const (
	DefaultMaxMessageSize = 1 << 20
	DefaultMaxTotalBytes  = 1 << 24
	DefaultMaxBuffers     = 1000
)

// Config bounds the pool. Zero fields take the defaults.
type Config struct {
	// MaxMessageSize rejects any message whose declared size is larger.
	MaxMessageSize int
	// MaxTotalBytes caps the bytes held across all buffers.
	MaxTotalBytes int
	// MaxBuffers caps the number of concurrent buffers (one per peer).
	MaxBuffers int
	// BufferTTL expires buffers idle for longer than this on Expire.
	// Zero keeps them until they are superseded or evicted.
	BufferTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxTotalBytes <= 0 {
		c.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if c.MaxBuffers <= 0 {
		c.MaxBuffers = DefaultMaxBuffers
	}
	return c
}

// Fragment is one decoded fragment packet. Channel is only meaningful for
// index 0. Chunk is copied; the caller may reuse it after Add returns.
type Fragment struct {
	Seq       uint32
	TotalSize uint32
	Offset    uint32
	Index     uint16
	Count     uint16
	Channel   string
	Chunk     []byte
}

type Status uint8

const (
	Pending Status = iota
	Complete
	Dropped
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "complete"
	case Dropped:
		return "dropped"
	default:
		return "pending"
	}
}

// Result of handing one fragment to the pool. Message is set only when
// Status is Complete; Reason only when Status is Dropped.
type Result struct {
	Status  Status
	Reason  zcm.DropReason
	Message zcm.Message
}

// DropFunc observes buffers discarded as a side effect of Add or Expire:
// superseded streams, evictions and expiries.
type DropFunc func(peer string, reason zcm.DropReason, missing int)

type buffer struct {
	live      bool
	peer      string
	seq       uint32
	size      uint32
	channel   string
	count     uint16
	remaining uint16
	received  *bitset.BitSet
	filled    uint32
	data      []byte
	lastSeen  time.Time
}

// Pool is the reassembly state for all peers. It is not safe for
// concurrent use.
type Pool struct {
	cfg    Config
	clock  clock.Clock
	onDrop DropFunc

	slots []buffer
	free  []int
	// index maps peer to slot; its recency order is the activity order
	// used for eviction.
	index *simplelru.LRU[string, int]
	bytes int
}

type Option func(*Pool)

func WithClock(c clock.Clock) Option { return func(p *Pool) { p.clock = c } }

func WithDropFunc(f DropFunc) Option { return func(p *Pool) { p.onDrop = f } }

func NewPool(cfg Config, opts ...Option) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:   cfg,
		clock: clock.New(),
		slots: make([]buffer, cfg.MaxBuffers),
		free:  make([]int, 0, cfg.MaxBuffers),
	}
	for _, o := range opts {
		o(p)
	}
	for i := cfg.MaxBuffers - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	idx, err := simplelru.NewLRU[string, int](cfg.MaxBuffers, nil)
	if err != nil {
		return nil, fmt.Errorf("create fragment index: %w", err)
	}
	p.index = idx
	return p, nil
}

func (p *Pool) Config() Config { return p.cfg }

// Stats is a snapshot of resource use.
type Stats struct {
	Buffers int
	Bytes   int
}

func (p *Pool) Stats() Stats { return Stats{Buffers: p.index.Len(), Bytes: p.bytes} }

// Add accumulates one fragment from peer.
func (p *Pool) Add(peer string, f Fragment) Result {
	if f.Count == 0 || f.Index >= f.Count {
		return dropped(zcm.DropMalformed)
	}
	now := p.clock.Now()

	// Peek: only an accepted fragment counts as activity.
	slot, found := p.index.Peek(peer)
	if found {
		b := &p.slots[slot]
		if b.seq != f.Seq || b.size != f.TotalSize {
			p.release(slot, zcm.DropStaleStream)
			found = false
		}
	}

	if int64(f.TotalSize) > int64(p.cfg.MaxMessageSize) {
		return dropped(zcm.DropMessageTooLarge)
	}

	if !found {
		if f.Index != 0 {
			return dropped(zcm.DropMissingFragmentZero)
		}
		if f.Offset != 0 || uint64(len(f.Chunk)) > uint64(f.TotalSize) {
			return dropped(zcm.DropInvalidOffset)
		}
		var ok bool
		if slot, ok = p.admit(peer, f, now); !ok {
			return dropped(zcm.DropMessageTooLarge)
		}
	}

	b := &p.slots[slot]
	if f.Count != b.count {
		return dropped(zcm.DropMalformed)
	}
	if uint64(f.Offset)+uint64(len(f.Chunk)) > uint64(b.size) {
		p.release(slot, zcm.DropNone)
		return dropped(zcm.DropInvalidOffset)
	}
	if b.received.Test(uint(f.Index)) {
		return dropped(zcm.DropDuplicate)
	}

	copy(b.data[f.Offset:], f.Chunk)
	b.received.Set(uint(f.Index))
	b.filled += uint32(len(f.Chunk))
	b.lastSeen = now
	p.index.Get(peer)
	b.remaining--
	if b.remaining > 0 {
		return Result{Status: Pending}
	}
	if b.filled != b.size {
		p.release(slot, zcm.DropNone)
		return dropped(zcm.DropMalformed)
	}

	msg := zcm.Message{Channel: b.channel, Payload: b.data, RecvTime: now}
	b.data = nil
	p.release(slot, zcm.DropNone)
	return Result{Status: Complete, Message: msg}
}

// Expire removes buffers idle for longer than the configured TTL and
// returns how many were removed.
func (p *Pool) Expire() int {
	if p.cfg.BufferTTL <= 0 {
		return 0
	}
	deadline := p.clock.Now().Add(-p.cfg.BufferTTL)
	n := 0
	for {
		_, slot, ok := p.index.GetOldest()
		if !ok || !p.slots[slot].lastSeen.Before(deadline) {
			return n
		}
		p.release(slot, zcm.DropExpired)
		n++
	}
}

// Reset discards every buffer without reporting drops.
func (p *Pool) Reset() {
	for _, peer := range p.index.Keys() {
		if slot, ok := p.index.Peek(peer); ok {
			p.release(slot, zcm.DropNone)
		}
	}
}

func (p *Pool) admit(peer string, f Fragment, now time.Time) (int, bool) {
	need := int(f.TotalSize)
	if need > p.cfg.MaxTotalBytes {
		return 0, false
	}
	for p.index.Len() >= p.cfg.MaxBuffers || p.bytes+need > p.cfg.MaxTotalBytes {
		_, oldest, ok := p.index.GetOldest()
		if !ok {
			break
		}
		p.release(oldest, zcm.DropEvicted)
	}

	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	b := &p.slots[slot]
	*b = buffer{
		live:      true,
		peer:      peer,
		seq:       f.Seq,
		size:      f.TotalSize,
		channel:   f.Channel,
		count:     f.Count,
		remaining: f.Count,
		received:  bitset.New(uint(f.Count)),
		data:      make([]byte, f.TotalSize),
		lastSeen:  now,
	}
	p.bytes += need
	p.index.Add(peer, slot)
	return slot, true
}

// release frees a slot. A non-zero reason is reported to the drop hook.
func (p *Pool) release(slot int, reason zcm.DropReason) {
	b := &p.slots[slot]
	if !b.live {
		return
	}
	if reason != zcm.DropNone && p.onDrop != nil {
		p.onDrop(b.peer, reason, int(b.remaining))
	}
	p.index.Remove(b.peer)
	p.bytes -= int(b.size)
	*b = buffer{}
	p.free = append(p.free, slot)
}

func dropped(reason zcm.DropReason) Result {
	return Result{Status: Dropped, Reason: reason}
}
