package datagram

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"zcm/internal/core/channel"
	"zcm/internal/core/fragment"
	"zcm/internal/core/network"
	"zcm/internal/core/zcm"
)

// DefaultReportInterval is how often Tick logs accumulated packet loss.
const DefaultReportInterval = 2 * time.Second

type Options struct {
	Reassembly fragment.Config
	// FilterByInterest drops packets for channels nobody subscribed to
	// before they reach the reassembly pool.
	FilterByInterest bool
	Logger           *zap.Logger
	Registerer       prometheus.Registerer
	Clock            clock.Clock
	// ReportInterval between loss reports. Zero uses the default, a
	// negative value disables reporting.
	ReportInterval time.Duration
}

// Stats is a snapshot of the receive side.
type Stats struct {
	PacketsReceived  uint64
	PacketsDropped   uint64
	MessagesReceived uint64
	MessagesSent     uint64
	Fragment         fragment.Stats
}

// Transport implements zcm.Transport on top of a packet medium. Sending
// and receiving may run on different goroutines.
type Transport struct {
	medium  network.Medium
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics
	maxMsg  int
	filter  bool

	sendMu sync.Mutex
	enc    *Encoder

	recvMu     sync.Mutex
	dec        *Decoder
	pool       *fragment.Pool
	every      time.Duration
	lastReport time.Time
	window     lossWindow

	interestMu sync.RWMutex
	interest   *channel.Matcher

	stats struct {
		received, dropped, delivered, sent atomic.Uint64
	}
	closed atomic.Bool
}

type lossWindow struct {
	received  uint64
	discarded uint64
}

func New(m network.Medium, opts Options) (*Transport, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReportInterval == 0 {
		opts.ReportInterval = DefaultReportInterval
	}

	enc, err := NewEncoder(m.MTU())
	if err != nil {
		return nil, fmt.Errorf("datagram transport: %w", err)
	}
	met, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	t := &Transport{
		medium:     m,
		log:        opts.Logger.Named("datagram"),
		clock:      opts.Clock,
		metrics:    met,
		filter:     opts.FilterByInterest,
		enc:        enc,
		every:      opts.ReportInterval,
		lastReport: opts.Clock.Now(),
		interest:   channel.NewMatcher(),
	}
	pool, err := fragment.NewPool(opts.Reassembly,
		fragment.WithClock(opts.Clock),
		fragment.WithDropFunc(func(peer string, r zcm.DropReason, missing int) {
			t.drop(peer, r, zap.Int("missing_fragments", missing))
		}),
	)
	if err != nil {
		return nil, err
	}
	t.pool = pool
	t.maxMsg = min(pool.Config().MaxMessageSize, enc.Sizes().MaxMessageSize(zcm.ChannelMaxLen))

	t.dec = NewDecoder(pool)
	if t.filter {
		t.dec.SetFilter(t.interested)
	}
	return t, nil
}

// MTU is the largest payload a single message may carry.
func (t *Transport) MTU() int { return t.maxMsg }

func (t *Transport) SendMsg(ch string, payload []byte) error {
	if t.closed.Load() {
		return zcm.ErrClosed
	}
	if len(payload) > t.maxMsg {
		return fmt.Errorf("%w: %d bytes, limit %d", zcm.ErrMessageTooLarge, len(payload), t.maxMsg)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	err := t.enc.Encode(ch, payload, func(pkt []byte) error {
		if err := t.medium.Send(pkt); err != nil {
			return err
		}
		t.metrics.packetsSent.Inc()
		return nil
	})
	if err != nil {
		t.metrics.sendErrors.Inc()
		return err
	}
	t.metrics.messagesSent.Inc()
	t.stats.sent.Add(1)
	return nil
}

func (t *Transport) RecvMsg(ctx context.Context) (zcm.Message, error) {
	for {
		pkt, err := t.medium.Receive(ctx)
		if err != nil {
			return zcm.Message{}, err
		}
		if msg, ok := t.handle(pkt); ok {
			return msg, nil
		}
	}
}

func (t *Transport) TryRecvMsg() (zcm.Message, error) {
	for {
		pkt, err := t.medium.TryReceive()
		if err != nil {
			return zcm.Message{}, err
		}
		if msg, ok := t.handle(pkt); ok {
			return msg, nil
		}
	}
}

// SetInterest records root for early filtering and forwards it to the
// medium. A failed enable is undone locally; a disable always takes effect
// locally since the caller has already released the root.
func (t *Transport) SetInterest(root string, enabled bool) error {
	t.interestMu.Lock()
	t.interest.Set(root, enabled)
	t.interestMu.Unlock()

	if err := t.medium.SetInterest(root, enabled); err != nil {
		if enabled {
			t.interestMu.Lock()
			t.interest.Set(root, false)
			t.interestMu.Unlock()
		}
		return fmt.Errorf("medium interest %q: %w", root, err)
	}
	return nil
}

// Tick drives the medium, expires idle reassembly buffers and logs packet
// loss once per report interval.
func (t *Transport) Tick() {
	t.medium.Tick()

	t.recvMu.Lock()
	defer t.recvMu.Unlock()
	t.pool.Expire()
	t.updateGauges()

	if t.every < 0 {
		return
	}
	now := t.clock.Now()
	if now.Sub(t.lastReport) < t.every {
		return
	}
	t.lastReport = now
	w := t.window
	t.window = lossWindow{}
	if w.discarded == 0 {
		return
	}
	t.log.Warn("zcm loss",
		zap.Uint64("received", w.received),
		zap.Uint64("discarded", w.discarded),
		zap.Float64("loss_pct", 100*float64(w.discarded)/float64(max(w.received, 1))),
	)
}

func (t *Transport) Stats() Stats {
	t.recvMu.Lock()
	fs := t.pool.Stats()
	t.recvMu.Unlock()
	return Stats{
		PacketsReceived:  t.stats.received.Load(),
		PacketsDropped:   t.stats.dropped.Load(),
		MessagesReceived: t.stats.delivered.Load(),
		MessagesSent:     t.stats.sent.Load(),
		Fragment:         fs,
	}
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.medium.Close()
	t.recvMu.Lock()
	t.pool.Reset()
	t.updateGauges()
	t.recvMu.Unlock()
	return err
}

func (t *Transport) handle(pkt network.Packet) (zcm.Message, bool) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	t.metrics.packetsReceived.Inc()
	t.stats.received.Add(1)
	t.window.received++

	msg, status, reason := t.dec.Decode(pkt.Peer, pkt.Data)
	switch status {
	case Complete:
		if !pkt.RecvTime.IsZero() {
			msg.RecvTime = pkt.RecvTime
		}
		t.metrics.messagesReceived.Inc()
		t.stats.delivered.Add(1)
	case Rejected:
		t.drop(pkt.Peer, reason)
	}
	t.updateGauges()
	return msg, status == Complete
}

// drop accounts for one discarded packet or buffer. Callers hold recvMu.
func (t *Transport) drop(peer string, r zcm.DropReason, fields ...zap.Field) {
	t.metrics.drop(r)
	if r == zcm.DropUninterested {
		return
	}
	t.stats.dropped.Add(1)
	t.window.discarded++
	if ce := t.log.Check(zap.DebugLevel, "dropped"); ce != nil {
		ce.Write(append(fields, zap.String("peer", peer), zap.Stringer("reason", r))...)
	}
}

func (t *Transport) interested(ch string) bool {
	t.interestMu.RLock()
	defer t.interestMu.RUnlock()
	return t.interest.Match(ch)
}

func (t *Transport) updateGauges() {
	s := t.pool.Stats()
	t.metrics.buffers.Set(float64(s.Buffers))
	t.metrics.bufferBytes.Set(float64(s.Bytes))
}

var _ zcm.Transport = (*Transport)(nil)
