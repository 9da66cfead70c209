// Package dispatch routes received messages to subscriber callbacks and
// pushes subscription interest down to the transport.
package dispatch

import (
	"fmt"

	"go.uber.org/zap"

	"zcm/internal/core/channel"
	"zcm/internal/core/zcm"
)

// Handler receives one message. Every matching handler sees the same
// payload, so treat it as read-only and copy it to keep it past the call.
type Handler func(msg zcm.Message)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	pattern channel.Pattern
	handler Handler
}

func (s *Subscription) Pattern() string { return s.pattern.String() }

type Option func(*Core)

func WithLogger(l *zap.Logger) Option { return func(c *Core) { c.log = l } }

// WithMaxSubscriptions bounds the number of live subscriptions. Zero means
// no bound.
func WithMaxSubscriptions(n int) Option { return func(c *Core) { c.maxSubs = n } }

// Core owns the subscription list of one transport. It is not safe for
// concurrent use and handlers must not call back into it.
type Core struct {
	t        zcm.Transport
	log      *zap.Logger
	maxSubs  int
	nextID   uint64
	subs     []*Subscription
	interest *channel.InterestSet
}

func New(t zcm.Transport, opts ...Option) *Core {
	c := &Core{t: t, interest: channel.NewInterestSet()}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.Named("dispatch")
	return c
}

func (c *Core) Transport() zcm.Transport { return c.t }

func (c *Core) Publish(ch string, payload []byte) error {
	if err := zcm.ValidateChannel(ch); err != nil {
		return err
	}
	return c.t.SendMsg(ch, payload)
}

// Subscribe registers h for every channel matching pattern. The first
// subscription on a pattern root enables it on the transport; if that
// fails nothing is registered.
func (c *Core) Subscribe(pattern string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", zcm.ErrInvalidArgument)
	}
	p, err := channel.Parse(pattern)
	if err != nil {
		return nil, err
	}
	if c.maxSubs > 0 && len(c.subs) >= c.maxSubs {
		return nil, fmt.Errorf("%w: subscription limit %d reached", zcm.ErrInvalidArgument, c.maxSubs)
	}

	root := p.Root()
	if c.interest.Acquire(root) {
		if err := c.t.SetInterest(root, true); err != nil {
			c.interest.Release(root)
			return nil, fmt.Errorf("enable interest %q: %w", root, err)
		}
	}
	c.nextID++
	s := &Subscription{id: c.nextID, pattern: p, handler: h}
	c.subs = append(c.subs, s)
	c.log.Debug("subscribed", zap.String("pattern", pattern), zap.Uint64("id", s.id))
	return s, nil
}

// Unsubscribe removes s. When it held the last reference to its root the
// transport is told; a transport error is returned but the subscription is
// gone regardless.
func (c *Core) Unsubscribe(s *Subscription) error {
	if s == nil {
		return fmt.Errorf("%w: nil subscription", zcm.ErrInvalidArgument)
	}
	i := c.indexOf(s)
	if i < 0 {
		return fmt.Errorf("%w: unknown subscription", zcm.ErrInvalidArgument)
	}
	// Copy so a Dispatch iterating the old slice is unaffected.
	c.subs = append(c.subs[:i:i], c.subs[i+1:]...)

	root := s.pattern.Root()
	if c.interest.Release(root) {
		if err := c.t.SetInterest(root, false); err != nil {
			return fmt.Errorf("disable interest %q: %w", root, err)
		}
	}
	c.log.Debug("unsubscribed", zap.String("pattern", s.pattern.String()), zap.Uint64("id", s.id))
	return nil
}

// Dispatch calls every matching handler once, in registration order, and
// returns how many matched.
func (c *Core) Dispatch(msg zcm.Message) int {
	n := 0
	for _, s := range c.subs {
		if s.pattern.Match(msg.Channel) {
			s.handler(msg)
			n++
		}
	}
	return n
}

func (c *Core) Subscriptions() int { return len(c.subs) }

// Roots lists the pattern roots currently enabled on the transport.
func (c *Core) Roots() []string { return c.interest.Roots() }

func (c *Core) indexOf(s *Subscription) int {
	for i, x := range c.subs {
		if x == s {
			return i
		}
	}
	return -1
}
