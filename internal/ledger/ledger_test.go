package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerd/internal/bunkerr"
	"bunkerd/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestOpenAndFind(t *testing.T) {
	l := newTestLedger(t)
	r, err := l.Open("alice-key", "remotepub", "sign_event", []byte(`{"kind":1}`))
	require.NoError(t, err)
	assert.True(t, r.Pending())

	found, err := l.Find(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, found.ID)
	assert.Nil(t, found.Allowed)
}

func TestFindUnknownRequest(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Find("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, bunkerr.NotFound, bunkerr.KindOf(err))
}

func TestSettleRecordsDecision(t *testing.T) {
	l := newTestLedger(t)
	r, err := l.Open("alice-key", "remotepub", "sign_event", nil)
	require.NoError(t, err)

	settled, err := l.Settle(r.ID, true, "admin1")
	require.NoError(t, err)
	require.NotNil(t, settled.Allowed)
	assert.True(t, *settled.Allowed)
	assert.Equal(t, "admin1", settled.SettledBy)
	assert.False(t, settled.Pending())
}

func TestSettleAlreadySettledConflicts(t *testing.T) {
	l := newTestLedger(t)
	r, err := l.Open("alice-key", "remotepub", "sign_event", nil)
	require.NoError(t, err)

	_, err = l.Settle(r.ID, true, "admin1")
	require.NoError(t, err)

	_, err = l.Settle(r.ID, false, "admin2")
	require.Error(t, err)
	assert.Equal(t, bunkerr.Conflict, bunkerr.KindOf(err))
}

func TestPruneExpiredRemovesOnlyPastDeadline(t *testing.T) {
	l := newTestLedger(t)
	fresh, err := l.Open("alice-key", "remotepub", "connect", nil)
	require.NoError(t, err)

	stale, err := l.Open("alice-key", "remotepub", "connect", nil)
	require.NoError(t, err)
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, l.put(*stale))

	n, err := l.PruneExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.Find(fresh.ID)
	require.NoError(t, err)

	_, err = l.Find(stale.ID)
	require.Error(t, err)
	assert.Equal(t, bunkerr.NotFound, bunkerr.KindOf(err))
}

func TestPollUntilSettledWakesOnSettle(t *testing.T) {
	l := newTestLedger(t)
	r, err := l.Open("alice-key", "remotepub", "sign_event", nil)
	require.NoError(t, err)

	done := make(chan *Request, 1)
	go func() {
		res, err := l.PollUntilSettled(context.Background(), r.ID)
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = l.Settle(r.ID, true, "admin1")
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NotNil(t, res.Allowed)
		assert.True(t, *res.Allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("PollUntilSettled did not wake on settle")
	}
}

func TestPollUntilSettledReturnsOnContextCancel(t *testing.T) {
	l := newTestLedger(t)
	r, err := l.Open("alice-key", "remotepub", "sign_event", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Request, 1)
	go func() {
		res, err := l.PollUntilSettled(ctx, r.ID)
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Nil(t, res.Allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("PollUntilSettled did not return on context cancel")
	}
}
