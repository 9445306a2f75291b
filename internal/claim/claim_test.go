package claim

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulseplan/iglink/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAcquireWhenUnclaimed(t *testing.T) {
	st := newTestStore(t)
	m := New(st, "owner-a", nil)

	res := m.TryAcquire("claim-1")
	require.True(t, res.Acquired)

	current, ok := m.Current()
	require.True(t, ok)
	require.Equal(t, "claim-1", current.ID)
	require.Equal(t, "owner-a", current.Owner)
}

func TestFreshForeignClaimBlocks(t *testing.T) {
	st := newTestStore(t)
	a := New(st, "owner-a", nil)
	b := New(st, "owner-b", nil)

	require.True(t, a.TryAcquire("claim-a").Acquired)

	res := b.TryAcquire("claim-b")
	require.False(t, res.Acquired)
	require.Equal(t, "claim-a", res.ExistingID)

	// A's claim is untouched
	current, ok := b.Current()
	require.True(t, ok)
	require.Equal(t, "claim-a", current.ID)
}

func TestStaleClaimIsReclaimable(t *testing.T) {
	st := newTestStore(t)
	a := New(st, "owner-a", nil)
	b := New(st, "owner-b", nil)

	require.True(t, a.TryAcquire("claim-a").Acquired)

	// B's clock is past the staleness threshold; A never released.
	b.now = func() time.Time { return time.Now().Add(StaleAfter + time.Second) }

	res := b.TryAcquire("claim-b")
	require.True(t, res.Acquired)

	current, ok := b.Current()
	require.True(t, ok)
	require.Equal(t, "claim-b", current.ID)
	require.Equal(t, "owner-b", current.Owner)
}

func TestReleaseIsCompareAndDelete(t *testing.T) {
	st := newTestStore(t)
	a := New(st, "owner-a", nil)
	b := New(st, "owner-b", nil)

	require.True(t, a.TryAcquire("claim-a").Acquired)

	// B forcibly takes over, then A releases its superseded claim.
	b.ForceAcquire("claim-b")
	a.Release("claim-a")

	// A's release must not have deleted B's claim.
	current, ok := b.Current()
	require.True(t, ok)
	require.Equal(t, "claim-b", current.ID)

	// B's own release does remove it.
	b.Release("claim-b")
	_, ok = b.Current()
	require.False(t, ok)
}

func TestForceAcquireOverwrites(t *testing.T) {
	st := newTestStore(t)
	a := New(st, "owner-a", nil)
	b := New(st, "owner-b", nil)

	require.True(t, a.TryAcquire("claim-a").Acquired)
	require.False(t, b.TryAcquire("claim-b").Acquired)

	b.ForceAcquire("claim-b")

	current, ok := b.Current()
	require.True(t, ok)
	require.Equal(t, "claim-b", current.ID)
	require.Equal(t, "owner-b", current.Owner)
}

func TestClearOwnRemovesOwnClaimOnly(t *testing.T) {
	st := newTestStore(t)
	a := New(st, "owner-a", nil)

	require.True(t, a.TryAcquire("claim-a").Acquired)

	// A crashed and restarted within the same context: its own claim is
	// cleared so it cannot wedge itself.
	restarted := New(st, "owner-a", nil)
	restarted.ClearOwn()
	_, ok := restarted.Current()
	require.False(t, ok)

	// But a fresh claim from a different context survives ClearOwn.
	b := New(st, "owner-b", nil)
	require.True(t, b.TryAcquire("claim-b").Acquired)
	a.ClearOwn()
	current, ok := a.Current()
	require.True(t, ok)
	require.Equal(t, "claim-b", current.ID)
}

func TestClearOwnRemovesStaleForeignClaim(t *testing.T) {
	st := newTestStore(t)
	a := New(st, "owner-a", nil)
	b := New(st, "owner-b", nil)

	require.True(t, a.TryAcquire("claim-a").Acquired)

	b.now = func() time.Time { return time.Now().Add(StaleAfter + time.Second) }
	b.ClearOwn()

	_, ok := b.Current()
	require.False(t, ok)
}

func TestReleaseUnknownClaimIsNoop(t *testing.T) {
	st := newTestStore(t)
	a := New(st, "owner-a", nil)

	require.True(t, a.TryAcquire("claim-a").Acquired)
	a.Release("some-other-claim")

	current, ok := a.Current()
	require.True(t, ok)
	require.Equal(t, "claim-a", current.ID)
}
