package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"zcm/internal/core/zcm"
)

// DefaultQUICMTU stays below the datagram frame limit of a minimum-size
// QUIC packet.
const DefaultQUICMTU = 1100

const quicALPN = "zcm"

// QUICOptions configures a QUIC datagram medium. In listen mode the medium
// accepts any number of peers and fans every packet out to all of them; in
// dial mode it holds a single connection.
type QUICOptions struct {
	Addr      string
	Listen    bool
	MTU       int
	InboxSize int
	Logger    *zap.Logger
}

// datagramConn is the part of a QUIC connection the medium uses.
type datagramConn interface {
	SendDatagram(b []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	RemoteAddr() net.Addr
	CloseWithError(code quic.ApplicationErrorCode, msg string) error
}

type QUICMedium struct {
	log *zap.Logger
	mtu int
	in  *inbox

	ctx    context.Context
	cancel context.CancelFunc
	ln     *quic.Listener

	mu    sync.RWMutex
	conns map[string]datagramConn

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewQUICMedium(ctx context.Context, opts QUICOptions) (*QUICMedium, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: quic address required", zcm.ErrInvalidArgument)
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultQUICMTU
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &QUICMedium{
		log:    opts.Logger.Named("quic"),
		mtu:    opts.MTU,
		in:     newInbox(opts.InboxSize),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]datagramConn),
	}
	qconf := &quic.Config{EnableDatagrams: true, KeepAlivePeriod: 10 * time.Second}

	if opts.Listen {
		cert, err := selfSignedCert()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("quic certificate: %w", err)
		}
		tlsConf := &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quicALPN},
			MinVersion:   tls.VersionTLS13,
		}
		ln, err := quic.ListenAddr(opts.Addr, tlsConf, qconf)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("quic listen %s: %w", opts.Addr, err)
		}
		m.ln = ln
		m.wg.Add(1)
		go m.acceptLoop()
		m.log.Info("listening", zap.Stringer("addr", ln.Addr()))
		return m, nil
	}

	tlsConf := &tls.Config{
		// Peers are anonymous: the protocol has no authentication.
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(ctx, opts.Addr, tlsConf, qconf)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("quic dial %s: %w", opts.Addr, err)
	}
	m.track(conn)
	return m, nil
}

// Addr is the listening address, or nil in dial mode.
func (m *QUICMedium) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

func (m *QUICMedium) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				m.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		m.track(conn)
	}
}

func (m *QUICMedium) track(c datagramConn) {
	peer := c.RemoteAddr().String()
	m.mu.Lock()
	m.conns[peer] = c
	m.mu.Unlock()
	m.log.Debug("peer connected", zap.String("peer", peer))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.forget(peer)
		for {
			b, err := c.ReceiveDatagram(m.ctx)
			if err != nil {
				if m.ctx.Err() == nil {
					m.log.Debug("peer gone", zap.String("peer", peer), zap.Error(err))
				}
				return
			}
			m.in.push(Packet{Peer: peer, Data: b, RecvTime: time.Now()})
		}
	}()
}

func (m *QUICMedium) forget(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, peer)
}

// Peers lists the remote addresses of live connections.
func (m *QUICMedium) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for p := range m.conns {
		out = append(out, p)
	}
	return out
}

func (m *QUICMedium) MTU() int { return m.mtu }

// Send delivers pkt to every connected peer. Having no peers is not an
// error; nobody is listening.
func (m *QUICMedium) Send(pkt []byte) error {
	if m.ctx.Err() != nil {
		return zcm.ErrClosed
	}
	if len(pkt) > m.mtu {
		return fmt.Errorf("%w: %d byte packet exceeds mtu %d", zcm.ErrMessageTooLarge, len(pkt), m.mtu)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for peer, c := range m.conns {
		if err := c.SendDatagram(append([]byte(nil), pkt...)); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

func (m *QUICMedium) Receive(ctx context.Context) (Packet, error) { return m.in.receive(ctx) }

func (m *QUICMedium) TryReceive() (Packet, error) { return m.in.tryReceive() }

func (m *QUICMedium) SetInterest(string, bool) error { return nil }

func (m *QUICMedium) Tick() {}

func (m *QUICMedium) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		m.in.close()
		m.mu.Lock()
		for _, c := range m.conns {
			_ = c.CloseWithError(0, "closed")
		}
		m.mu.Unlock()
		if m.ln != nil {
			err = m.ln.Close()
		}
		m.wg.Wait()
	})
	return err
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
