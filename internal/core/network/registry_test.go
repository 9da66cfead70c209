package network

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"zcm/internal/core/zcm"
)

func TestRegistryBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, zaptest.NewLogger(t)))
	assert.Equal(t, []string{"inproc", "libp2p", "quic", "udpm"}, reg.Schemes())

	err := reg.Register("inproc", func(*url.URL) (Medium, error) { return nil, nil })
	require.ErrorIs(t, err, zcm.ErrInvalidArgument)
}

func TestRegistryInprocSharesBus(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, nil))

	a, err := reg.Open("inproc://bus1?mtu=1500")
	require.NoError(t, err)
	b, err := reg.Open("inproc://bus1")
	require.NoError(t, err)
	other, err := reg.Open("inproc://bus2")
	require.NoError(t, err)
	assert.Equal(t, 1500, b.MTU())

	require.NoError(t, a.Send([]byte("ping")))
	got, err := b.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got.Data)

	_, err = other.TryReceive()
	assert.ErrorIs(t, err, zcm.ErrWouldBlock)

	// A second registry has its own buses.
	reg2 := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg2, nil))
	c, err := reg2.Open("inproc://bus1")
	require.NoError(t, err)
	_, err = c.TryReceive()
	assert.ErrorIs(t, err, zcm.ErrWouldBlock)
}

func TestRegistryOpenErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, nil))

	for _, raw := range []string{
		"carrier-pigeon://coop",
		"inproc://x?mtu=big",
		"udpm://239.255.76.67:7667?ttl=-x",
		"udpm://239.255.76.67:7667?loopback=maybe",
		"udpm://10.0.0.1:7667",
		"quic://127.0.0.1:1?mode=shout",
		"quic://",
	} {
		_, err := reg.Open(raw)
		assert.ErrorIs(t, err, zcm.ErrInvalidArgument, raw)
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a, b", "", "c"}))
	assert.Nil(t, splitList(nil))
}

func TestIdentityKeyPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id.key")
	first, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	second, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
	assert.EqualValues(t, crypto.Ed25519, second.Type())
}

func TestQUICMediumLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	ctx := context.Background()
	srv, err := NewQUICMedium(ctx, QUICOptions{Addr: "127.0.0.1:0", Listen: true})
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewQUICMedium(ctx, QUICOptions{Addr: srv.Addr().String()})
	require.NoError(t, err)
	defer cli.Close()

	var got Packet
	require.Eventually(t, func() bool {
		if err := cli.Send([]byte("over quic")); err != nil {
			return false
		}
		rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		got, err = srv.Receive(rctx)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("over quic"), got.Data)
	assert.Len(t, srv.Peers(), 1)

	require.ErrorIs(t, cli.Send(make([]byte, DefaultQUICMTU+1)), zcm.ErrMessageTooLarge)
}
