package allocator

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cilium/consul-ipam/internal/ipamerr"
	"github.com/cilium/consul-ipam/internal/ipamtypes"
	"github.com/cilium/consul-ipam/internal/store/fake"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

type staticSession struct{ id string }

func (s staticSession) ID() string { return s.id }

func newTestAllocator(t *testing.T) (*Allocator, *fake.Store) {
	t.Helper()
	st := fake.New()
	sessionID, err := st.SessionCreate(context.Background(), "test", 30, "delete")
	require.NoError(t, err)
	return New(st, staticSession{id: sessionID}, testLogger()), st
}

func network(t *testing.T, name, cidr string) ipamtypes.Network {
	t.Helper()
	prefix, err := netip.ParsePrefix(cidr)
	require.NoError(t, err)
	return ipamtypes.Network{Name: name, Subnet: prefix}
}

func TestAllocate_EmptyPool(t *testing.T) {
	a, st := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/24")

	addr, err := a.Allocate(context.Background(), n, "cA")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addr)

	value, ok, err := st.Get(context.Background(), "ipam/n1/10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cA", value)
}

func TestAllocate_Sequential(t *testing.T) {
	a, _ := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/24")

	addr1, err := a.Allocate(context.Background(), n, "cA")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addr1)

	addr2, err := a.Allocate(context.Background(), n, "cB")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), addr2)
}

func TestAllocate_SkipsPreAllocated(t *testing.T) {
	a, st := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/24")
	st.Seed("ipam/n1/10.0.0.1", "some-other-container")

	addr, err := a.Allocate(context.Background(), n, "cC")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), addr)
}

func TestAllocate_SkipsUnparseableValue(t *testing.T) {
	a, st := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/24")
	st.Seed("ipam/n1/not-an-address", "legacy-data")

	addr, err := a.Allocate(context.Background(), n, "cA")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addr)
}

func TestReleaseThenReuse(t *testing.T) {
	a, _ := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/30")

	addrA, err := a.Allocate(context.Background(), n, "cA")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addrA)

	addrB, err := a.Allocate(context.Background(), n, "cB")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), addrB)

	require.NoError(t, a.Release(context.Background(), "cA"))

	addrC, err := a.Allocate(context.Background(), n, "cC")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addrC)
}

func TestAllocate_ExhaustedSlash32(t *testing.T) {
	a, _ := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/32")

	_, err := a.Allocate(context.Background(), n, "cA")
	require.True(t, errors.Is(err, ipamerr.ErrExhausted))
}

func TestAllocate_Slash31NotSpecialCased(t *testing.T) {
	a, _ := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/31")

	addr, err := a.Allocate(context.Background(), n, "cA")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addr)

	_, err = a.Allocate(context.Background(), n, "cB")
	require.True(t, errors.Is(err, ipamerr.ErrExhausted))
}

func TestAllocate_Slash30ExcludesBroadcast(t *testing.T) {
	a, _ := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/30")

	addr1, err := a.Allocate(context.Background(), n, "cA")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addr1)

	addr2, err := a.Allocate(context.Background(), n, "cB")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), addr2)

	_, err = a.Allocate(context.Background(), n, "cC")
	require.True(t, errors.Is(err, ipamerr.ErrExhausted))
}

func TestRelease_IdempotentWithoutADD(t *testing.T) {
	a, st := newTestAllocator(t)

	require.NoError(t, a.Release(context.Background(), "unknown"))

	kvs, err := st.List(context.Background(), "ipam/")
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestRelease_Idempotent(t *testing.T) {
	a, _ := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/24")

	_, err := a.Allocate(context.Background(), n, "cA")
	require.NoError(t, err)

	require.NoError(t, a.Release(context.Background(), "cA"))
	require.NoError(t, a.Release(context.Background(), "cA"))
}

func TestReleaseByValue_RecoversAfterIndexMiss(t *testing.T) {
	a, st := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/24")

	sessionID := st.Seed
	_ = sessionID

	addr, err := a.Allocate(context.Background(), n, "cA")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addr)

	// Simulate a daemon restart: a fresh Allocator has no local index
	// entry for cA even though the lease still exists in the store.
	fresh := New(st, staticSession{id: "test-1"}, testLogger())
	require.NoError(t, fresh.Release(context.Background(), "cA"))

	_, ok, err := st.Get(context.Background(), "ipam/n1/10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok, "Release is a no-op without a local index entry")

	require.NoError(t, fresh.ReleaseByValue(context.Background(), n, "cA"))
	_, ok, err = st.Get(context.Background(), "ipam/n1/10.0.0.1")
	require.NoError(t, err)
	require.False(t, ok, "ReleaseByValue recovers the lease by scanning for its value")
}

func TestAllocate_ConcurrentDistinctAddresses(t *testing.T) {
	a, _ := newTestAllocator(t)
	n := network(t, "n1", "10.0.0.0/24")

	type result struct {
		addr netip.Addr
		err  error
	}
	results := make(chan result, 2)
	for _, id := range []string{"cA", "cB"} {
		id := id
		go func() {
			addr, err := a.Allocate(context.Background(), n, id)
			results <- result{addr, err}
		}()
	}

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	require.NotEqual(t, first.addr, second.addr)
	require.True(t, n.Subnet.Contains(first.addr))
	require.True(t, n.Subnet.Contains(second.addr))
}
