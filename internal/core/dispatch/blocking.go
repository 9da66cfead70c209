package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zcm/internal/core/zcm"
)

const (
	DefaultSendQueue    = 128
	DefaultRecvQueue    = 128
	DefaultTickInterval = 100 * time.Millisecond

	// recvRetryDelay paces the receive goroutine after a transport error.
	recvRetryDelay = 10 * time.Millisecond
)

type BlockingOptions struct {
	SendQueue        int
	RecvQueue        int
	TickInterval     time.Duration
	MaxSubscriptions int
	Logger           *zap.Logger
	Clock            clock.Clock
}

type outgoing struct {
	channel string
	payload []byte
	flushed chan struct{}
}

// Blocking runs a transport on background goroutines. Publish queues and
// returns at once; a send goroutine drains the queue. Received messages are
// queued by a receive goroutine and dispatched by whichever mode is active:
// Start (a dispatch goroutine), Run (the caller's goroutine) or Handle (one
// message per call).
type Blocking struct {
	t     zcm.Transport
	log   *zap.Logger
	clock clock.Clock
	tick  time.Duration

	// mu serializes dispatch with Subscribe and Unsubscribe.
	mu   sync.Mutex
	core *Core

	sendQ chan outgoing
	recvQ chan zcm.Message

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	recvOnce sync.Once
	closed   atomic.Bool
	dropped  atomic.Uint64

	// recvErrors counts failed receives; the receive goroutine keeps going.
	recvErrors atomic.Uint64

	stateMu sync.Mutex
	running bool
	stop    context.CancelFunc
	stopped chan struct{}
}

func NewBlocking(t zcm.Transport, opts BlockingOptions) *Blocking {
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.RecvQueue <= 0 {
		opts.RecvQueue = DefaultRecvQueue
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	b := &Blocking{
		t:      t,
		log:    opts.Logger.Named("blocking"),
		clock:  opts.Clock,
		tick:   opts.TickInterval,
		core:   New(t, WithLogger(opts.Logger), WithMaxSubscriptions(opts.MaxSubscriptions)),
		sendQ:  make(chan outgoing, opts.SendQueue),
		recvQ:  make(chan zcm.Message, opts.RecvQueue),
		ctx:    gctx,
		cancel: cancel,
		g:      g,
	}
	g.Go(b.sendLoop)
	return b
}

// Publish queues a copy of payload for sending. It returns
// zcm.ErrWouldBlock when the send queue is full.
func (b *Blocking) Publish(ch string, payload []byte) error {
	if b.closed.Load() || b.ctx.Err() != nil {
		return zcm.ErrClosed
	}
	if err := zcm.ValidateChannel(ch); err != nil {
		return err
	}
	if mtu := b.t.MTU(); len(payload) > mtu {
		return fmt.Errorf("%w: %d bytes, limit %d", zcm.ErrMessageTooLarge, len(payload), mtu)
	}
	select {
	case b.sendQ <- outgoing{channel: ch, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		return zcm.ErrWouldBlock
	}
}

// Flush waits until every message queued before the call has been handed
// to the transport.
func (b *Blocking) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case b.sendQ <- outgoing{flushed: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return zcm.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return zcm.ErrClosed
	}
}

func (b *Blocking) Subscribe(pattern string, h Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.core.Subscribe(pattern, h)
}

func (b *Blocking) Unsubscribe(s *Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.core.Unsubscribe(s)
}

// Start dispatches received messages on a background goroutine until Stop
// or Close.
func (b *Blocking) Start() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.closed.Load() {
		return zcm.ErrClosed
	}
	if b.running {
		return fmt.Errorf("%w: dispatcher already running", zcm.ErrInvalidArgument)
	}
	b.startRecv()
	ctx, cancel := context.WithCancel(b.ctx)
	b.running, b.stop, b.stopped = true, cancel, make(chan struct{})
	stopped := b.stopped
	go func() {
		defer close(stopped)
		_ = b.loop(ctx)
	}()
	return nil
}

// Stop ends a dispatch goroutine started by Start and waits for it. Queued
// messages stay queued.
func (b *Blocking) Stop() {
	b.stateMu.Lock()
	if !b.running || b.stop == nil {
		b.stateMu.Unlock()
		return
	}
	stop, stopped := b.stop, b.stopped
	b.stop, b.stopped = nil, nil
	b.stateMu.Unlock()

	stop()
	<-stopped

	b.stateMu.Lock()
	b.running = false
	b.stateMu.Unlock()
}

// Run dispatches on the calling goroutine until ctx is done or the
// dispatcher is closed.
func (b *Blocking) Run(ctx context.Context) error {
	if err := b.claim(); err != nil {
		return err
	}
	defer b.release()
	b.startRecv()
	return b.loop(ctx)
}

// Handle waits for one message and dispatches it.
func (b *Blocking) Handle(ctx context.Context) error {
	if err := b.claim(); err != nil {
		return err
	}
	defer b.release()
	b.startRecv()
	select {
	case msg := <-b.recvQ:
		b.dispatch(msg)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return zcm.ErrClosed
	}
}

// Dropped counts received messages discarded because the receive queue
// was full.
func (b *Blocking) Dropped() uint64 { return b.dropped.Load() }

// ReceiveErrors counts transport receive failures that were skipped.
func (b *Blocking) ReceiveErrors() uint64 { return b.recvErrors.Load() }

// Close stops every goroutine and closes the transport. Messages still in
// the send queue are discarded; call Flush first to avoid that.
func (b *Blocking) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.Stop()
	b.cancel()
	err := b.g.Wait()
	return multierr.Append(err, b.t.Close())
}

func (b *Blocking) claim() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.closed.Load() {
		return zcm.ErrClosed
	}
	if b.running {
		return fmt.Errorf("%w: dispatcher already running", zcm.ErrInvalidArgument)
	}
	b.running = true
	return nil
}

func (b *Blocking) release() {
	b.stateMu.Lock()
	b.running = false
	b.stateMu.Unlock()
}

func (b *Blocking) loop(ctx context.Context) error {
	for {
		select {
		case msg := <-b.recvQ:
			b.dispatch(msg)
		case <-ctx.Done():
			if b.ctx.Err() != nil {
				return zcm.ErrClosed
			}
			return ctx.Err()
		case <-b.ctx.Done():
			return zcm.ErrClosed
		}
	}
}

func (b *Blocking) dispatch(msg zcm.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.core.Dispatch(msg)
}

func (b *Blocking) startRecv() {
	b.recvOnce.Do(func() {
		b.g.Go(b.recvLoop)
		b.g.Go(b.tickLoop)
	})
}

func (b *Blocking) sendLoop() error {
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case out := <-b.sendQ:
			if out.flushed != nil {
				close(out.flushed)
				continue
			}
			if err := b.t.SendMsg(out.channel, out.payload); err != nil {
				b.log.Debug("send failed",
					zap.String("channel", out.channel),
					zap.Stringer("code", zcm.CodeOf(err)),
					zap.Error(err))
			}
		}
	}
}

func (b *Blocking) recvLoop() error {
	for {
		msg, err := b.t.RecvMsg(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, zcm.ErrClosed) {
				return nil
			}
			b.recvErrors.Add(1)
			b.log.Debug("receive failed", zap.Stringer("code", zcm.CodeOf(err)), zap.Error(err))
			select {
			case <-b.ctx.Done():
				return nil
			case <-b.clock.After(recvRetryDelay):
			}
			continue
		}
		select {
		case b.recvQ <- msg:
		default:
			b.dropped.Add(1)
			b.log.Debug("receive queue full", zap.String("channel", msg.Channel),
				zap.Stringer("reason", zcm.DropQueueFull))
		}
	}
}

func (b *Blocking) tickLoop() error {
	ticker := b.clock.Ticker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case <-ticker.C:
			b.t.Tick()
		}
	}
}
