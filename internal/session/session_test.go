package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cilium/consul-ipam/internal/ipamerr"
	"github.com/cilium/consul-ipam/internal/store/fake"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestOpen_ReturnsSessionID(t *testing.T) {
	st := fake.New()
	m := New(st, discardLogger(), 30*time.Second, 10*time.Millisecond)

	id, err := m.Open(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, id, m.ID())
}

func TestRun_RenewsUntilContextCanceled(t *testing.T) {
	st := fake.New()
	m := New(st, discardLogger(), 30*time.Second, 5*time.Millisecond)
	_, err := m.Open(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, m.Run(ctx))
}

func TestRun_ReturnsErrSessionLostAfterExpiry(t *testing.T) {
	st := fake.New()
	m := New(st, discardLogger(), 30*time.Second, 5*time.Millisecond)
	id, err := m.Open(context.Background())
	require.NoError(t, err)

	st.ExpireSession(id)

	err = m.Run(context.Background())
	require.True(t, errors.Is(err, ipamerr.ErrSessionLost))
}

func TestClose_IsNoOpBeforeOpen(t *testing.T) {
	st := fake.New()
	m := New(st, discardLogger(), 30*time.Second, 10*time.Millisecond)
	m.Close(context.Background())
}

func TestClose_DestroysSession(t *testing.T) {
	st := fake.New()
	m := New(st, discardLogger(), 30*time.Second, 10*time.Millisecond)
	id, err := m.Open(context.Background())
	require.NoError(t, err)

	m.Close(context.Background())

	err = st.SessionRenew(context.Background(), id)
	require.True(t, errors.Is(err, ipamerr.ErrSessionLost))
}
