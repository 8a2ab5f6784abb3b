package userplane

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerd/internal/acl"
	"bunkerd/internal/adminplane"
	"bunkerd/internal/authz"
	"bunkerd/internal/configstore"
	"bunkerd/internal/eventcodec"
	"bunkerd/internal/keystore"
	"bunkerd/internal/ledger"
	"bunkerd/internal/store"
	"bunkerd/internal/transport"
	"bunkerd/internal/wallet"
)

func newTestRig(t *testing.T) (*Plane, *adminplane.Plane, *transport.Memory) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "userplane"))
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

	engine := authz.New(aclStore, led, tr, cfgStore)
	ks := keystore.New()
	ks.Install("alice-key", "pub-alicekey", "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9")

	adminPlane := &adminplane.Plane{
		Keystore:  ks,
		Config:    cfgStore,
		ACL:       aclStore,
		Authz:     engine,
		Transport: tr,
		Codec:     eventcodec.Fake{},
		Wallet:    wallet.None{},
	}
	userPlane := New(ks, engine, eventcodec.Fake{}, tr, adminPlane)
	return userPlane, adminPlane, tr
}

func rawParams(vals ...any) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		b, _ := json.Marshal(v)
		out[i] = b
	}
	return out
}

func TestHandleOnLockedKeyReturnsKeyLocked(t *testing.T) {
	up, _, _ := newTestRig(t)
	in := transport.Inbound{
		Request: transport.Request{ID: "r1", Method: acl.MethodConnect},
		From:    "remotepub",
	}
	resp := up.handle(context.Background(), "no-such-key", in)
	assert.Contains(t, resp.Error, "key_locked")
}

func TestConnectFansOutThenConvenienceGrantsSignEvent(t *testing.T) {
	up, _, tr := newTestRig(t)

	doneCh := make(chan transport.Response, 1)
	go func() {
		in := transport.Inbound{
			Request: transport.Request{ID: "r1", Method: acl.MethodConnect},
			From:    "remotepub",
		}
		doneCh <- up.handle(context.Background(), "alice-key", in)
	}()

	require.Eventually(t, func() bool { return len(tr.Requests) == 1 }, 2*time.Second, 5*time.Millisecond)
	requestID := tr.Requests[0].Req.ID
	require.NoError(t, up.Authz.ResolveACLResponse(requestID, "admin1", authz.ACLResponse{Verdict: "always"}))

	select {
	case resp := <-doneCh:
		assert.Empty(t, resp.Error)
		assert.Equal(t, true, resp.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not resolve")
	}

	// sign_event(kind 1) should now be pre-approved by the connect
	// convenience grant, with no second admin fanout.
	ev := map[string]any{"kind": 1, "content": "hello"}
	evBytes, _ := json.Marshal(ev)
	in := transport.Inbound{
		Request: transport.Request{ID: "r2", Method: acl.MethodSignEvent, Params: rawParams(json.RawMessage(evBytes))},
		From:    "remotepub",
	}
	resp := up.handle(context.Background(), "alice-key", in)
	require.Empty(t, resp.Error)
	assert.Len(t, tr.Requests, 1, "sign_event after connect convenience grant must not fan out again")
}

func TestSignEventDeniedByAdmin(t *testing.T) {
	up, _, tr := newTestRig(t)

	doneCh := make(chan transport.Response, 1)
	go func() {
		ev := map[string]any{"kind": 1, "content": "hello"}
		evBytes, _ := json.Marshal(ev)
		in := transport.Inbound{
			Request: transport.Request{ID: "r1", Method: acl.MethodSignEvent, Params: rawParams(json.RawMessage(evBytes))},
			From:    "remotepub",
		}
		doneCh <- up.handle(context.Background(), "alice-key", in)
	}()

	require.Eventually(t, func() bool { return len(tr.Requests) == 1 }, 2*time.Second, 5*time.Millisecond)
	requestID := tr.Requests[0].Req.ID
	require.NoError(t, up.Authz.ResolveACLResponse(requestID, "admin1", authz.ACLResponse{Verdict: "never"}))

	select {
	case resp := <-doneCh:
		assert.Contains(t, resp.Error, "denied")
	case <-time.After(2 * time.Second):
		t.Fatal("sign_event did not resolve")
	}
}

func TestCreateAccountDelegatesToAdminPlane(t *testing.T) {
	up, adminPlane, _ := newTestRig(t)
	cfg, err := adminPlane.Config.Get()
	require.NoError(t, err)
	cfg.Domains = map[string]configstore.Domain{
		"example.com": {IdentityFilePath: filepath.Join(t.TempDir(), "identity.json")},
	}
	require.NoError(t, adminPlane.Config.Put(cfg))

	in := transport.Inbound{
		Request: transport.Request{ID: "r1", Method: acl.MethodCreateAccount, Params: rawParams("alice", "example.com", "")},
		From:    "remotepub",
	}
	resp := up.handle(context.Background(), "alice-key", in)
	require.Empty(t, resp.Error)
	result, ok := resp.Result.(map[string]string)
	require.True(t, ok)
	assert.NotEmpty(t, result["pubkey"])
}

func TestPairwiseEncryptDecryptRoundTrip(t *testing.T) {
	up, _, _ := newTestRig(t)
	_, err := up.Authz.ACL.Grant("alice-key", "remotepub", acl.MethodEncrypt, "", "")
	require.NoError(t, err)
	_, err = up.Authz.ACL.Grant("alice-key", "remotepub", acl.MethodDecrypt, "", "")
	require.NoError(t, err)

	encIn := transport.Inbound{
		Request: transport.Request{ID: "r1", Method: acl.MethodEncrypt, Params: rawParams("peerpub", "secret message")},
		From:    "remotepub",
	}
	resp := up.handle(context.Background(), "alice-key", encIn)
	require.Empty(t, resp.Error)
	ciphertext, ok := resp.Result.(string)
	require.True(t, ok)
	assert.NotEmpty(t, ciphertext)

	decIn := transport.Inbound{
		Request: transport.Request{ID: "r2", Method: acl.MethodDecrypt, Params: rawParams("peerpub", ciphertext)},
		From:    "remotepub",
	}
	resp = up.handle(context.Background(), "alice-key", decIn)
	require.Empty(t, resp.Error)
	assert.Equal(t, "secret message", resp.Result)
}
