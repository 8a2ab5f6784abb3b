package retention

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerd/internal/acl"
	"bunkerd/internal/ledger"
	"bunkerd/internal/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, *acl.Store, *ledger.Ledger) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "retention"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	aclStore := acl.New(db)
	led := ledger.New(db)
	return New(led, aclStore, ""), aclStore, led
}

// TestRunOnceSweepsACLViaStoredField runs a sweep through the stored
// Sweeper.ACL field and checks that a freshly revoked KeyUser, still
// inside acl.StaleRetention, is left in place.
func TestRunOnceSweepsACLViaStoredField(t *testing.T) {
	s, aclStore, _ := newTestSweeper(t)
	ku, err := aclStore.Grant("alice-key", "remotepub", acl.MethodConnect, "", "")
	require.NoError(t, err)
	require.NoError(t, aclStore.RevokeUser(ku.ID))

	s.RunOnce()

	users, err := aclStore.ListKeyUsers("alice-key")
	require.NoError(t, err)
	assert.Len(t, users, 1, "RunOnce must not prune a freshly revoked key_user")
}

func TestRunOnceIsSafeWithEmptyStores(t *testing.T) {
	s, _, _ := newTestSweeper(t)
	assert.NotPanics(t, func() { s.RunOnce() })
}

func TestInvalidCronRejectsStart(t *testing.T) {
	s, _, _ := newTestSweeper(t)
	s.Cron = "not a cron expression"
	err := s.Start(t.Context())
	require.Error(t, err)
}
