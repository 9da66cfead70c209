package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"zcm/internal/core/zcm"
)

const (
	DefaultLibp2pTopic = "/zcm/1"
	DefaultLibp2pMTU   = 65507
)

// Libp2pOptions configures the gossipsub medium.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	// Topic carries every packet; channel routing happens above the medium.
	Topic string
	// Loopback delivers this host's own packets back to it.
	Loopback  bool
	MTU       int
	InboxSize int
	Logger    *zap.Logger
}

// Libp2pMedium gossips packets over a single pubsub topic. The sender of a
// packet is its libp2p peer ID.
type Libp2pMedium struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
	mtu    int
	self   peer.ID
	loop   bool

	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service
	in    *inbox

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewLibp2pMedium(parent context.Context, opts Libp2pOptions) (*Libp2pMedium, error) {
	if opts.Topic == "" {
		opts.Topic = DefaultLibp2pTopic
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultLibp2pMTU
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("libp2p")
	ctx, cancel := context.WithCancel(parent)

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: listen multiaddr %q: %w", zcm.ErrInvalidArgument, s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMaxMessageSize(opts.MTU+1024))
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	topic, err := ps.Join(opts.Topic)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("join topic %q: %w", opts.Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("subscribe %q: %w", opts.Topic, err)
	}

	m := &Libp2pMedium{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		mtu:    opts.MTU,
		self:   h.ID(),
		loop:   opts.Loopback,
		host:   h,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		in:     newInbox(opts.InboxSize),
	}
	m.in.dropped = func() { log.Debug("inbox full, packet dropped") }

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: log})
		if err := service.Start(); err != nil {
			log.Warn("mdns start failed", zap.Error(err))
		} else {
			m.mdns = service
		}
	}
	for _, raw := range opts.Bootstrap {
		m.connect(raw)
	}

	m.wg.Add(1)
	go m.readLoop()
	log.Info("joined topic", zap.String("topic", opts.Topic), zap.String("peer_id", h.ID().String()))
	return m, nil
}

func (m *Libp2pMedium) connect(raw string) {
	if raw == "" {
		return
	}
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		m.log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		m.log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
		return
	}
	if err := m.host.Connect(m.ctx, *info); err != nil {
		m.log.Warn("bootstrap connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
		return
	}
	m.log.Info("connected bootstrap peer", zap.Stringer("peer", info.ID))
}

func (m *Libp2pMedium) readLoop() {
	defer m.wg.Done()
	for {
		msg, err := m.sub.Next(m.ctx)
		if err != nil {
			return
		}
		from := msg.GetFrom()
		if from == m.self && !m.loop {
			continue
		}
		m.in.push(Packet{Peer: from.String(), Data: msg.Data, RecvTime: time.Now()})
	}
}

func (m *Libp2pMedium) MTU() int { return m.mtu }

func (m *Libp2pMedium) Send(pkt []byte) error {
	if m.ctx.Err() != nil {
		return zcm.ErrClosed
	}
	if len(pkt) > m.mtu {
		return fmt.Errorf("%w: %d byte packet exceeds mtu %d", zcm.ErrMessageTooLarge, len(pkt), m.mtu)
	}
	return m.topic.Publish(m.ctx, append([]byte(nil), pkt...))
}

func (m *Libp2pMedium) Receive(ctx context.Context) (Packet, error) { return m.in.receive(ctx) }

func (m *Libp2pMedium) TryReceive() (Packet, error) { return m.in.tryReceive() }

// SetInterest is ignored: every peer on the topic sees every packet.
func (m *Libp2pMedium) SetInterest(string, bool) error { return nil }

func (m *Libp2pMedium) Tick() {}

func (m *Libp2pMedium) PeerID() string { return m.self.String() }

func (m *Libp2pMedium) ListenAddrs() []string {
	out := make([]string, 0, len(m.host.Addrs()))
	for _, addr := range m.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), m.self.String()))
	}
	return out
}

// TopicPeers lists the peers currently known on the topic.
func (m *Libp2pMedium) TopicPeers() []string {
	peers := m.topic.ListPeers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (m *Libp2pMedium) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		m.in.close()
		m.sub.Cancel()
		m.wg.Wait()
		if m.mdns != nil {
			_ = m.mdns.Close()
		}
		_ = m.topic.Close()
		err = m.host.Close()
	})
	return err
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debug("mdns connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
