// Package spy keeps per-channel traffic statistics for monitoring tools.
package spy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"zcm/internal/core/dispatch"
	"zcm/internal/core/zcm"
)

const previewBytes = 32

var ErrChannelNotFound = errors.New("channel not found")

// ChannelStats describes the traffic seen on one channel. Rates cover the
// half-open tracker window (now-window, now].
type ChannelStats struct {
	Name          string    `json:"name"`
	Messages      uint64    `json:"messages"`
	Bytes         uint64    `json:"bytes"`
	LastSize      int       `json:"last_size"`
	LastSeen      time.Time `json:"last_seen"`
	Preview       string    `json:"preview,omitempty"`
	Hz            float64   `json:"hz"`
	BytesPerSec   float64   `json:"bytes_per_sec"`
	MinIntervalMS float64   `json:"min_interval_ms,omitempty"`
	MaxIntervalMS float64   `json:"max_interval_ms,omitempty"`
}

// Event is sent to watchers for every observed message.
type Event struct {
	Channel string    `json:"channel"`
	Size    int       `json:"size"`
	At      time.Time `json:"at"`
}

type sample struct {
	at   time.Time
	size int
}

type channelState struct {
	messages uint64
	bytes    uint64
	lastSize int
	lastSeen time.Time
	preview  []byte
	samples  []sample
}

// Subscriber is the part of a dispatcher the tracker attaches to.
type Subscriber interface {
	Subscribe(pattern string, h dispatch.Handler) (*dispatch.Subscription, error)
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }

// Tracker aggregates statistics for every channel it observes. It is safe
// for concurrent use.
type Tracker struct {
	clock  clock.Clock
	window time.Duration

	mu       sync.RWMutex
	channels map[string]*channelState

	watchMu  sync.RWMutex
	nextID   int
	watchers map[int]chan Event
}

func NewTracker(window time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		clock:    clock.New(),
		window:   window,
		channels: make(map[string]*channelState),
		watchers: make(map[int]chan Event),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Attach subscribes the tracker to every channel matching pattern.
func (t *Tracker) Attach(s Subscriber, pattern string) (*dispatch.Subscription, error) {
	sub, err := s.Subscribe(pattern, t.Observe)
	if err != nil {
		return nil, fmt.Errorf("spy subscribe %q: %w", pattern, err)
	}
	return sub, nil
}

// Observe records one message. It is a dispatch.Handler.
func (t *Tracker) Observe(msg zcm.Message) {
	now := t.clock.Now()
	size := len(msg.Payload)

	t.mu.Lock()
	st, ok := t.channels[msg.Channel]
	if !ok {
		st = &channelState{}
		t.channels[msg.Channel] = st
	}
	st.messages++
	st.bytes += uint64(size)
	st.lastSize = size
	st.lastSeen = now
	st.preview = append(st.preview[:0], msg.Payload[:min(size, previewBytes)]...)
	st.samples = append(prune(st.samples, now.Add(-t.window)), sample{at: now, size: size})
	t.mu.Unlock()

	t.notify(Event{Channel: msg.Channel, Size: size, At: now})
}

func (t *Tracker) Channels() []ChannelStats {
	now := t.clock.Now()
	t.mu.RLock()
	out := make([]ChannelStats, 0, len(t.channels))
	for name, st := range t.channels {
		out = append(out, t.statsLocked(name, st, now))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tracker) Channel(name string) (ChannelStats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.channels[name]
	if !ok {
		return ChannelStats{}, ErrChannelNotFound
	}
	return t.statsLocked(name, st, t.clock.Now()), nil
}

// Reset forgets every channel.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = make(map[string]*channelState)
}

// Watch returns a stream of events and a function that ends it. Slow
// watchers miss events rather than stall the tracker.
func (t *Tracker) Watch() (<-chan Event, func()) {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	id := t.nextID
	t.nextID++
	ch := make(chan Event, 64)
	t.watchers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.watchMu.Lock()
			defer t.watchMu.Unlock()
			delete(t.watchers, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (t *Tracker) notify(ev Event) {
	t.watchMu.RLock()
	defer t.watchMu.RUnlock()
	for _, ch := range t.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Tracker) statsLocked(name string, st *channelState, now time.Time) ChannelStats {
	cs := ChannelStats{
		Name:     name,
		Messages: st.messages,
		Bytes:    st.bytes,
		LastSize: st.lastSize,
		LastSeen: st.lastSeen,
		Preview:  hex.EncodeToString(st.preview),
	}
	cutoff := now.Add(-t.window)
	var (
		n, total int
		prev     time.Time
		minGap   time.Duration
		maxGap   time.Duration
	)
	for _, s := range st.samples {
		if !s.at.After(cutoff) {
			continue
		}
		if n > 0 {
			gap := s.at.Sub(prev)
			if n == 1 || gap < minGap {
				minGap = gap
			}
			if gap > maxGap {
				maxGap = gap
			}
		}
		prev = s.at
		n++
		total += s.size
	}
	if secs := t.window.Seconds(); secs > 0 {
		cs.Hz = float64(n) / secs
		cs.BytesPerSec = float64(total) / secs
	}
	if n > 1 {
		cs.MinIntervalMS = float64(minGap) / float64(time.Millisecond)
		cs.MaxIntervalMS = float64(maxGap) / float64(time.Millisecond)
	}
	return cs
}

// prune drops samples at or before cutoff. Samples are in time order.
func prune(s []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(s) && !s[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return s
	}
	return append(s[:0], s[i:]...)
}
