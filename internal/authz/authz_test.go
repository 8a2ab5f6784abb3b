package authz

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerd/internal/acl"
	"bunkerd/internal/configstore"
	"bunkerd/internal/ledger"
	"bunkerd/internal/store"
	"bunkerd/internal/transport"
)

func newTestEngine(t *testing.T) (*Engine, *transport.Memory, *configstore.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "authz"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	aclStore := acl.New(db)
	led := ledger.New(db)
	tr := transport.NewMemory()
	cfgStore := configstore.New(filepath.Join(t.TempDir(), "nsecbunker.json"))

	cfg, err := cfgStore.Get()
	require.NoError(t, err)
	cfg.AdminPubkeys = []string{"admin1"}
	require.NoError(t, cfgStore.Put(cfg))

	return New(aclStore, led, tr, cfgStore), tr, cfgStore
}

func TestPermitAllowsWhenACLAlreadyGrants(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.ACL.Grant("alice-key", "remotepub", acl.MethodConnect, "", "")
	require.NoError(t, err)

	res, err := e.Permit(context.Background(), Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Outcome)
}

func TestPermitDeniesWhenACLDenies(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.ACL.Deny("alice-key", "remotepub")
	require.NoError(t, err)

	res, err := e.Permit(context.Background(), Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, Denied, res.Outcome)
}

func TestPermitFansOutToAdminsAndResolvesAlways(t *testing.T) {
	e, tr, _ := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := e.Permit(ctx, Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodConnect})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	// Wait for the fanout request to land, then resolve it as an admin would.
	require.Eventually(t, func() bool {
		return len(tr.Requests) == 1
	}, 2*time.Second, 5*time.Millisecond)

	requestID := tr.Requests[0].Req.ID
	require.NoError(t, e.ResolveACLResponse(requestID, "admin1", ACLResponse{Verdict: "always"}))

	select {
	case res := <-resultCh:
		assert.Equal(t, Approved, res.Outcome)
	case err := <-errCh:
		t.Fatalf("Permit returned error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Permit did not resolve after admin approval")
	}

	// A persistent grant was recorded, so the next connect is approved without fanout.
	res, err := e.Permit(context.Background(), Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Outcome)
	assert.Len(t, tr.Requests, 1, "second permit must not fan out again")
}

func TestPermitFansOutAndResolvesNever(t *testing.T) {
	e, tr, _ := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		res, _ := e.Permit(ctx, Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodConnect})
		resultCh <- res
	}()

	require.Eventually(t, func() bool {
		return len(tr.Requests) == 1
	}, 2*time.Second, 5*time.Millisecond)

	requestID := tr.Requests[0].Req.ID
	require.NoError(t, e.ResolveACLResponse(requestID, "admin1", ACLResponse{Verdict: "never"}))

	select {
	case res := <-resultCh:
		assert.Equal(t, Denied, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Permit did not resolve after admin denial")
	}
}

func TestPermitUsesWebApprovalWhenBaseURLConfigured(t *testing.T) {
	e, _, cfgStore := newTestEngine(t)
	cfg, err := cfgStore.Get()
	require.NoError(t, err)
	cfg.BaseURL = "https://bunker.example"
	require.NoError(t, cfgStore.Put(cfg))

	var gotURL string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		res, _ := e.Permit(ctx, Request{
			KeyName:      "alice-key",
			RemotePubkey: "remotepub",
			Method:       acl.MethodConnect,
			OnAuthURL:    func(u string) error { gotURL = u; return nil },
		})
		resultCh <- res
	}()

	require.Eventually(t, func() bool { return gotURL != "" }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, gotURL, "https://bunker.example/requests/")

	requestID := gotURL[len("https://bunker.example/requests/"):]
	_, err = e.Ledger.Settle(requestID, true, "web-admin")
	require.NoError(t, err)

	select {
	case res := <-resultCh:
		assert.Equal(t, Approved, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Permit did not resolve after web settlement")
	}
}

func TestPermitTimesOutWithNoAdminsConfigured(t *testing.T) {
	e, _, cfgStore := newTestEngine(t)
	cfg, err := cfgStore.Get()
	require.NoError(t, err)
	cfg.AdminPubkeys = nil
	require.NoError(t, cfgStore.Put(cfg))

	res, err := e.Permit(context.Background(), Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, TimedOut, res.Outcome)
}

func TestParseACLResponse(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`"always"`),
		json.RawMessage(`"alice-app"`),
		json.RawMessage(`"1"`),
	}
	resp := ParseACLResponse(raw)
	assert.Equal(t, "always", resp.Verdict)
	assert.Equal(t, "alice-app", resp.Description)
	assert.Equal(t, "1", resp.Scope)
}

// TestParseACLResponseLiteralObjectScope uses §8 scenario 1's literal
// admin reply, where the scope element is the object form {"kind": N}
// rather than a bare string.
func TestParseACLResponseLiteralObjectScope(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`"always"`),
		json.RawMessage(`"alice-app"`),
		json.RawMessage(`{"kind":1}`),
	}
	resp := ParseACLResponse(raw)
	assert.Equal(t, "always", resp.Verdict)
	assert.Equal(t, "alice-app", resp.Description)
	assert.Equal(t, "1", resp.Scope)
}

// TestResolveACLResponseObjectScopeGrantsOnlyThatKind exercises §8
// scenarios 1 and 3 end to end: an admin approving a sign_event request
// with the literal {"kind": 1} scope must grant only kind 1, so a later
// request for a different kind is not auto-approved and instead
// re-suspends pending a fresh admin decision.
func TestResolveACLResponseObjectScopeGrantsOnlyThatKind(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	kind1, kind2 := 1, 2

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		res, _ := e.Permit(ctx, Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodSignEvent, Kind: &kind1})
		resultCh <- res
	}()

	require.Eventually(t, func() bool { return len(tr.Requests) == 1 }, 2*time.Second, 5*time.Millisecond)
	requestID := tr.Requests[0].Req.ID

	resp := ParseACLResponse([]json.RawMessage{
		json.RawMessage(`"always"`),
		json.RawMessage(`"alice-app"`),
		json.RawMessage(`{"kind":1}`),
	})
	require.NoError(t, e.ResolveACLResponse(requestID, "admin1", resp))

	select {
	case res := <-resultCh:
		assert.Equal(t, Approved, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Permit did not resolve after admin approval")
	}

	// Same kind, no fanout: the grant is scoped to kind 1.
	res, err := e.Permit(context.Background(), Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodSignEvent, Kind: &kind1})
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Outcome)
	assert.Len(t, tr.Requests, 1, "repeat request for the granted kind must not fan out again")

	// A different kind must not be auto-approved: it re-suspends and fans
	// out to admins again instead of silently inheriting an "all" scope.
	go func() {
		_, _ = e.Permit(context.Background(), Request{KeyName: "alice-key", RemotePubkey: "remotepub", Method: acl.MethodSignEvent, Kind: &kind2})
	}()
	require.Eventually(t, func() bool { return len(tr.Requests) == 2 }, 2*time.Second, 5*time.Millisecond)
}
