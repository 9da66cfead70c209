package dispatch

import "zcm/internal/core/zcm"

// NonBlocking drives a transport from the caller's loop. Nothing runs in
// the background and nothing is locked; use it from one goroutine.
type NonBlocking struct {
	core *Core
}

func NewNonBlocking(t zcm.Transport, opts ...Option) *NonBlocking {
	return &NonBlocking{core: New(t, opts...)}
}

func (n *NonBlocking) Publish(ch string, payload []byte) error {
	return n.core.Publish(ch, payload)
}

func (n *NonBlocking) Subscribe(pattern string, h Handler) (*Subscription, error) {
	return n.core.Subscribe(pattern, h)
}

func (n *NonBlocking) Unsubscribe(s *Subscription) error { return n.core.Unsubscribe(s) }

// Handle ticks the transport and dispatches at most one ready message. It
// returns zcm.ErrWouldBlock when nothing was ready.
func (n *NonBlocking) Handle() error {
	t := n.core.Transport()
	t.Tick()
	msg, err := t.TryRecvMsg()
	if err != nil {
		return err
	}
	n.core.Dispatch(msg)
	return nil
}

func (n *NonBlocking) Close() error { return n.core.Transport().Close() }
