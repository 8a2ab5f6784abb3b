package acl

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerd/internal/bunkerr"
	"bunkerd/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "acl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func kindPtr(k int) *int { return &k }

func TestLookupUnknownWithoutKeyUser(t *testing.T) {
	s := newTestStore(t)
	d, err := s.Lookup("alice-key", "remotepub", MethodSignEvent, kindPtr(1))
	require.NoError(t, err)
	assert.Equal(t, Unknown, d)
}

func TestGrantThenLookupAllows(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Grant("alice-key", "remotepub", MethodSignEvent, "alice-app", "1")
	require.NoError(t, err)

	d, err := s.Lookup("alice-key", "remotepub", MethodSignEvent, kindPtr(1))
	require.NoError(t, err)
	assert.Equal(t, Allow, d)

	// A different kind does not match the scoped grant.
	d, err = s.Lookup("alice-key", "remotepub", MethodSignEvent, kindPtr(4))
	require.NoError(t, err)
	assert.Equal(t, Unknown, d)
}

func TestGrantScopeAllMatchesAnyKind(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Grant("alice-key", "remotepub", MethodSignEvent, "", ScopeAll)
	require.NoError(t, err)

	for _, kind := range []int{1, 4, 30023} {
		d, err := s.Lookup("alice-key", "remotepub", MethodSignEvent, kindPtr(kind))
		require.NoError(t, err)
		assert.Equal(t, Allow, d)
	}
}

func TestExplicitWildcardDenyOutranksAllow(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Grant("alice-key", "remotepub", MethodSignEvent, "", ScopeAll)
	require.NoError(t, err)
	_, err = s.Deny("alice-key", "remotepub")
	require.NoError(t, err)

	d, err := s.Lookup("alice-key", "remotepub", MethodSignEvent, kindPtr(1))
	require.NoError(t, err)
	assert.Equal(t, Deny, d)
}

func TestRevokedKeyUserAlwaysDenies(t *testing.T) {
	s := newTestStore(t)
	ku, err := s.Grant("alice-key", "remotepub", MethodConnect, "", "")
	require.NoError(t, err)

	require.NoError(t, s.RevokeUser(ku.ID))

	d, err := s.Lookup("alice-key", "remotepub", MethodConnect, nil)
	require.NoError(t, err)
	assert.Equal(t, Deny, d)
}

func TestApplyTokenMaterializesPolicyRules(t *testing.T) {
	s := newTestStore(t)
	policy, err := s.CreatePolicy("default", []PolicyRule{
		{Method: MethodSignEvent, Kind: "1", MaxUsageCount: 10},
		{Method: MethodEncrypt},
	}, nil)
	require.NoError(t, err)

	tok, err := s.CreateToken("alice-key", "alice-app", policy.ID, "admin1", nil)
	require.NoError(t, err)

	ku, err := s.ApplyToken("remotepub", tok.Token)
	require.NoError(t, err)
	assert.NotEmpty(t, ku.ID)

	for _, tc := range []struct {
		method string
		kind   *int
	}{
		{MethodConnect, nil},
		{MethodSignEvent, kindPtr(1)},
		{MethodEncrypt, nil},
	} {
		d, err := s.Lookup("alice-key", "remotepub", tc.method, tc.kind)
		require.NoError(t, err)
		assert.Equal(t, Allow, d, "method %s", tc.method)
	}

	redeemed, err := s.getToken(tok.Token)
	require.NoError(t, err)
	require.NotNil(t, redeemed.RedeemedAt)
}

func TestApplyTokenIsOneShot(t *testing.T) {
	s := newTestStore(t)
	policy, err := s.CreatePolicy("default", nil, nil)
	require.NoError(t, err)
	tok, err := s.CreateToken("alice-key", "alice-app", policy.ID, "admin1", nil)
	require.NoError(t, err)

	_, err = s.ApplyToken("remotepub", tok.Token)
	require.NoError(t, err)

	_, err = s.ApplyToken("remotepub2", tok.Token)
	require.Error(t, err)
	assert.Equal(t, bunkerr.AlreadyRedeemed, bunkerr.KindOf(err))
}

func TestApplyTokenExpired(t *testing.T) {
	s := newTestStore(t)
	policy, err := s.CreatePolicy("default", nil, nil)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	tok, err := s.CreateToken("alice-key", "alice-app", policy.ID, "admin1", &past)
	require.NoError(t, err)

	_, err = s.ApplyToken("remotepub", tok.Token)
	require.Error(t, err)
	assert.Equal(t, bunkerr.Expired, bunkerr.KindOf(err))
}

func TestCountedRuleDeniesAtExhaustion(t *testing.T) {
	s := newTestStore(t)
	policy, err := s.CreatePolicy("limited", []PolicyRule{
		{Method: MethodSignEvent, Kind: "1", MaxUsageCount: 2},
	}, nil)
	require.NoError(t, err)
	tok, err := s.CreateToken("alice-key", "alice-app", policy.ID, "admin1", nil)
	require.NoError(t, err)
	_, err = s.ApplyToken("remotepub", tok.Token)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d, err := s.Lookup("alice-key", "remotepub", MethodSignEvent, kindPtr(1))
		require.NoError(t, err)
		assert.Equal(t, Allow, d)
	}
	d, err := s.Lookup("alice-key", "remotepub", MethodSignEvent, kindPtr(1))
	require.NoError(t, err)
	assert.Equal(t, Deny, d)
}

func TestPruneStaleRemovesExpiredUnredeemedTokens(t *testing.T) {
	s := newTestStore(t)
	policy, err := s.CreatePolicy("default", nil, nil)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	_, err = s.CreateToken("alice-key", "alice-app", policy.ID, "admin1", &past)
	require.NoError(t, err)

	tokens, keyUsers, err := s.PruneStale(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, tokens)
	assert.Equal(t, 0, keyUsers)
	assert.Empty(t, mustListTokens(t, s, "alice-key"))
}

func TestPruneStaleLeavesFreshTokensAndUnexpired(t *testing.T) {
	s := newTestStore(t)
	policy, err := s.CreatePolicy("default", nil, nil)
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)
	_, err = s.CreateToken("alice-key", "alice-app", policy.ID, "admin1", &future)
	require.NoError(t, err)
	_, err = s.CreateToken("alice-key", "alice-app2", policy.ID, "admin1", nil)
	require.NoError(t, err)

	tokens, _, err := s.PruneStale(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, tokens)
	assert.Len(t, mustListTokens(t, s, "alice-key"), 2)
}

func TestPruneStaleRemovesLongRedeemedToken(t *testing.T) {
	s := newTestStore(t)
	policy, err := s.CreatePolicy("default", nil, nil)
	require.NoError(t, err)
	tok, err := s.CreateToken("alice-key", "alice-app", policy.ID, "admin1", nil)
	require.NoError(t, err)
	_, err = s.ApplyToken("remotepub", tok.Token)
	require.NoError(t, err)

	farFuture := time.Now().Add(StaleRetention + time.Hour)
	tokens, _, err := s.PruneStale(farFuture)
	require.NoError(t, err)
	assert.Equal(t, 1, tokens)
}

func TestPruneStaleRemovesLongRevokedKeyUserAndConditions(t *testing.T) {
	s := newTestStore(t)
	ku, err := s.Grant("alice-key", "remotepub", MethodConnect, "", "")
	require.NoError(t, err)
	require.NoError(t, s.RevokeUser(ku.ID))

	farFuture := time.Now().Add(StaleRetention + time.Hour)
	_, keyUsers, err := s.PruneStale(farFuture)
	require.NoError(t, err)
	assert.Equal(t, 1, keyUsers)

	_, ok, err := s.getKeyUserByID(ku.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	conds, err := s.conditionsFor(ku.ID)
	require.NoError(t, err)
	assert.Empty(t, conds)
}

func TestPruneStaleLeavesRecentlyRevokedKeyUser(t *testing.T) {
	s := newTestStore(t)
	ku, err := s.Grant("alice-key", "remotepub", MethodConnect, "", "")
	require.NoError(t, err)
	require.NoError(t, s.RevokeUser(ku.ID))

	_, keyUsers, err := s.PruneStale(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, keyUsers)

	_, ok, err := s.getKeyUserByID(ku.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func mustListTokens(t *testing.T, s *Store, keyName string) []Token {
	t.Helper()
	toks, err := s.ListTokens(keyName)
	require.NoError(t, err)
	return toks
}
