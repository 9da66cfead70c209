package network

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"zcm/internal/core/zcm"
)

// Factory opens a medium from a parsed URL.
type Factory func(u *url.URL) (Medium, error)

// Registry maps URL schemes to medium factories. Applications build one
// and pass it around; there is no global registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(scheme string, f Factory) error {
	if scheme == "" || f == nil {
		return fmt.Errorf("%w: scheme and factory required", zcm.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[scheme]; ok {
		return fmt.Errorf("%w: scheme %q already registered", zcm.ErrInvalidArgument, scheme)
	}
	r.factories[scheme] = f
	return nil
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open parses rawURL and hands it to the factory for its scheme.
func (r *Registry) Open(rawURL string) (Medium, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: transport url %q: %w", zcm.ErrInvalidArgument, rawURL, err)
	}
	r.mu.RLock()
	f, ok := r.factories[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport scheme %q", zcm.ErrInvalidArgument, u.Scheme)
	}
	m, err := f(u)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", u.Scheme, err)
	}
	return m, nil
}

// RegisterBuiltins installs the media shipped with this module:
//
//	inproc://NAME?mtu=&inbox=
//	udpm://GROUP:PORT?ttl=&loopback=&iface=&mtu=&inbox=
//	quic://HOST:PORT?mode=listen|dial&mtu=&inbox=
//	libp2p://?topic=&listen=&bootstrap=&mdns=&rendezvous=&key=&loopback=&mtu=&inbox=
//
// In-process buses are scoped to the registry: two URLs naming the same bus
// through one registry share it.
func RegisterBuiltins(r *Registry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var busMu sync.Mutex
	buses := make(map[string]*MemoryBus)

	inproc := func(u *url.URL) (Medium, error) {
		q := u.Query()
		mtu, err := queryInt(q, "mtu", 0)
		if err != nil {
			return nil, err
		}
		inbox, err := queryInt(q, "inbox", 0)
		if err != nil {
			return nil, err
		}
		busMu.Lock()
		defer busMu.Unlock()
		bus, ok := buses[u.Host]
		if !ok {
			bus = NewMemoryBus(mtu)
			buses[u.Host] = bus
		}
		return bus.Join(inbox), nil
	}

	udpm := func(u *url.URL) (Medium, error) {
		q := u.Query()
		opts := UDPMOptions{Group: u.Host, Interface: q.Get("iface"), Logger: logger}
		var err error
		if opts.TTL, err = queryInt(q, "ttl", 0); err != nil {
			return nil, err
		}
		if opts.Loopback, err = queryBool(q, "loopback", true); err != nil {
			return nil, err
		}
		if opts.MTU, err = queryInt(q, "mtu", 0); err != nil {
			return nil, err
		}
		if opts.InboxSize, err = queryInt(q, "inbox", 0); err != nil {
			return nil, err
		}
		return NewUDPMMedium(opts)
	}

	quicFactory := func(u *url.URL) (Medium, error) {
		q := u.Query()
		opts := QUICOptions{Addr: u.Host, Logger: logger}
		switch mode := q.Get("mode"); mode {
		case "", "dial":
		case "listen":
			opts.Listen = true
		default:
			return nil, fmt.Errorf("%w: quic mode %q", zcm.ErrInvalidArgument, mode)
		}
		var err error
		if opts.MTU, err = queryInt(q, "mtu", 0); err != nil {
			return nil, err
		}
		if opts.InboxSize, err = queryInt(q, "inbox", 0); err != nil {
			return nil, err
		}
		return NewQUICMedium(context.Background(), opts)
	}

	p2p := func(u *url.URL) (Medium, error) {
		q := u.Query()
		opts := Libp2pOptions{
			ListenAddrs:     splitList(q["listen"]),
			Bootstrap:       splitList(q["bootstrap"]),
			Rendezvous:      q.Get("rendezvous"),
			IdentityKeyFile: q.Get("key"),
			Topic:           q.Get("topic"),
			Logger:          logger,
		}
		if opts.Rendezvous == "" {
			opts.Rendezvous = "zcm"
		}
		var err error
		if opts.EnableMDNS, err = queryBool(q, "mdns", true); err != nil {
			return nil, err
		}
		if opts.Loopback, err = queryBool(q, "loopback", false); err != nil {
			return nil, err
		}
		if opts.MTU, err = queryInt(q, "mtu", 0); err != nil {
			return nil, err
		}
		if opts.InboxSize, err = queryInt(q, "inbox", 0); err != nil {
			return nil, err
		}
		return NewLibp2pMedium(context.Background(), opts)
	}

	for scheme, f := range map[string]Factory{
		"inproc": inproc,
		"udpm":   udpm,
		"quic":   quicFactory,
		"libp2p": p2p,
	} {
		if err := r.Register(scheme, f); err != nil {
			return err
		}
	}
	return nil
}

func queryInt(q url.Values, key string, def int) (int, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", zcm.ErrInvalidArgument, key, s)
	}
	return n, nil
}

func queryBool(q url.Values, key string, def bool) (bool, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", zcm.ErrInvalidArgument, key, s)
	}
	return b, nil
}

// splitList flattens repeated and comma-separated query values.
func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
