package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"zcm/internal/core/zcm"
)

const (
	DefaultUDPMGroup = "239.255.76.67:7667"
	// DefaultUDPMMTU is the largest IPv4 UDP payload.
	DefaultUDPMMTU = 65507
)

// UDPMOptions configures a UDP multicast medium.
type UDPMOptions struct {
	// Group is the multicast group address, host:port.
	Group string
	// TTL 0 keeps packets on the local host.
	TTL       int
	Loopback  bool
	Interface string
	MTU       int
	InboxSize int
	Logger    *zap.Logger
}

// UDPMMedium sends every packet to a multicast group and receives
// everything sent to it, including its own packets when loopback is on.
type UDPMMedium struct {
	log   *zap.Logger
	mtu   int
	group *net.UDPAddr
	conn  net.PacketConn
	pc    *ipv4.PacketConn
	in    *inbox

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewUDPMMedium(opts UDPMOptions) (*UDPMMedium, error) {
	if opts.Group == "" {
		opts.Group = DefaultUDPMGroup
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultUDPMMTU
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	group, err := net.ResolveUDPAddr("udp4", opts.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %q: %w", opts.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not a multicast address", zcm.ErrInvalidArgument, group.IP)
	}

	var ifi *net.Interface
	if opts.Interface != "" {
		if ifi, err = net.InterfaceByName(opts.Interface); err != nil {
			return nil, fmt.Errorf("interface %q: %w", opts.Interface, err)
		}
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("listen udp %d: %w", group.Port, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join group %s: %w", group.IP, err)
	}
	if err := pc.SetMulticastTTL(opts.TTL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(opts.Loopback); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}

	m := &UDPMMedium{
		log:   opts.Logger.Named("udpm"),
		mtu:   opts.MTU,
		group: group,
		conn:  conn,
		pc:    pc,
		in:    newInbox(opts.InboxSize),
	}
	m.in.dropped = func() { m.log.Debug("inbox full, packet dropped") }
	m.wg.Add(1)
	go m.readLoop()
	m.log.Info("joined multicast group",
		zap.Stringer("group", group), zap.Int("ttl", opts.TTL), zap.Bool("loopback", opts.Loopback))
	return m, nil
}

func (m *UDPMMedium) readLoop() {
	defer m.wg.Done()
	buf := make([]byte, 65536)
	failures := 0
	for {
		n, src, err := m.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			if failures == 1 || failures%100 == 0 {
				m.log.Warn("read failed", zap.Int("consecutive", failures), zap.Error(err))
			}
			select {
			case <-m.in.done:
				return
			case <-time.After(readBackoff(failures)):
			}
			continue
		}
		failures = 0
		m.in.push(Packet{Peer: src.String(), Data: append([]byte(nil), buf[:n]...), RecvTime: time.Now()})
	}
}

// readBackoff doubles per consecutive failure from 2ms, capped at one second.
func readBackoff(failures int) time.Duration {
	if failures > 10 {
		return time.Second
	}
	return min(time.Millisecond<<failures, time.Second)
}

func (m *UDPMMedium) MTU() int { return m.mtu }

func (m *UDPMMedium) Send(pkt []byte) error {
	if len(pkt) > m.mtu {
		return fmt.Errorf("%w: %d byte packet exceeds mtu %d", zcm.ErrMessageTooLarge, len(pkt), m.mtu)
	}
	if _, err := m.conn.WriteTo(pkt, m.group); err != nil {
		switch {
		case errors.Is(err, net.ErrClosed):
			return zcm.ErrClosed
		case isWouldBlock(err):
			return zcm.ErrWouldBlock
		}
		return fmt.Errorf("udpm send: %w", err)
	}
	return nil
}

func (m *UDPMMedium) Receive(ctx context.Context) (Packet, error) { return m.in.receive(ctx) }

func (m *UDPMMedium) TryReceive() (Packet, error) { return m.in.tryReceive() }

// SetInterest is ignored: the kernel delivers the whole group.
func (m *UDPMMedium) SetInterest(string, bool) error { return nil }

func (m *UDPMMedium) Tick() {}

func (m *UDPMMedium) LocalAddr() net.Addr { return m.conn.LocalAddr() }

func (m *UDPMMedium) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.in.close()
		_ = m.pc.LeaveGroup(nil, &net.UDPAddr{IP: m.group.IP})
		err = m.conn.Close()
		m.wg.Wait()
	})
	return err
}
