// Package userplane implements §4.7 User RPC Plane: one relay
// subscription per unlocked key, dispatching connect/sign_event/
// encrypt/decrypt/create_account/ping for remote users and delegating
// every permit decision to the Authorization Engine.
package userplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"bunkerd/internal/acl"
	"bunkerd/internal/adminplane"
	"bunkerd/internal/authz"
	"bunkerd/internal/bunkerr"
	"bunkerd/internal/eventcodec"
	"bunkerd/internal/keystore"
	"bunkerd/internal/logger"
	"bunkerd/internal/telemetry"
	"bunkerd/internal/transport"
)

// Plane is the User RPC Plane.
type Plane struct {
	Keystore   *keystore.Store
	Authz      *authz.Engine
	Codec      eventcodec.Codec
	Transport  transport.Transport
	AdminPlane *adminplane.Plane

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(ks *keystore.Store, engine *authz.Engine, codec eventcodec.Codec, tr transport.Transport, admin *adminplane.Plane) *Plane {
	return &Plane{Keystore: ks, Authz: engine, Codec: codec, Transport: tr, AdminPlane: admin, cancels: map[string]context.CancelFunc{}}
}

// WatchAll starts a subscription for every currently-unlocked key.
func (p *Plane) WatchAll(ctx context.Context) {
	for _, name := range p.Keystore.Names() {
		p.WatchKey(ctx, name)
	}
}

// WatchKey starts (or restarts) a subscription for a single unlocked
// key. It is the callback the Admin Plane invokes whenever a key is
// newly unlocked or created.
func (p *Plane) WatchKey(ctx context.Context, keyName string) {
	key, ok := p.Keystore.GetUnlocked(keyName)
	if !ok {
		return
	}

	p.mu.Lock()
	if cancel, exists := p.cancels[keyName]; exists {
		cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	p.cancels[keyName] = cancel
	p.mu.Unlock()

	go p.run(subCtx, key.Name, key.PubKey)
}

func (p *Plane) run(ctx context.Context, keyName, pubkey string) {
	inbound, err := p.Transport.Subscribe(ctx, transport.KindUserRPC, pubkey)
	if err != nil {
		logger.Warn("user_plane_subscribe_failed", "key", keyName, "err", err)
		return
	}
	logger.Info("user_plane_watching", "key", keyName, "pubkey", pubkey)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inbound:
			if !ok {
				return
			}
			p.dispatch(ctx, keyName, in)
		}
	}
}

func (p *Plane) dispatch(ctx context.Context, keyName string, in transport.Inbound) {
	resp := p.handle(ctx, keyName, in)
	outcome := "ok"
	if resp.Error != "" {
		outcome = "error"
	}
	telemetry.RPCsTotal.WithLabelValues("user", in.Request.Method, outcome).Inc()
	if err := p.Transport.Reply(ctx, transport.KindUserRPC, in.From, resp); err != nil {
		logger.Warn("user_reply_failed", "method", in.Request.Method, "err", err)
	}
}

func (p *Plane) handle(ctx context.Context, keyName string, in transport.Inbound) transport.Response {
	resp := transport.Response{ID: in.Request.ID}

	key, ok := p.Keystore.GetUnlocked(keyName)
	if !ok {
		resp.Error = bunkerr.New(bunkerr.KeyLocked, "key %q is not unlocked", keyName).Error()
		return resp
	}

	method := in.Request.Method
	params := in.Request.Params

	switch method {
	case acl.MethodConnect:
		resp.Result = p.withPermit(ctx, keyName, in, nil, func() (any, error) { return true, nil })
	case acl.MethodPing:
		resp.Result = p.withPermit(ctx, keyName, in, nil, func() (any, error) { return "pong", nil })
	case acl.MethodSignEvent:
		p.handleSignEvent(ctx, keyName, key, in, params, &resp)
		return resp
	case acl.MethodEncrypt:
		p.handlePairwise(ctx, keyName, key, in, params, true, &resp)
		return resp
	case acl.MethodDecrypt:
		p.handlePairwise(ctx, keyName, key, in, params, false, &resp)
		return resp
	case acl.MethodCreateAccount:
		p.handleCreateAccount(ctx, in, params, &resp)
		return resp
	default:
		resp.Error = bunkerr.New(bunkerr.BadRequest, "unknown user command %q", method).Error()
		return resp
	}

	return resp
}

// withPermit runs a permit check with no auth_url support (used by
// connect/ping, which never need to carry an out-of-band reply because
// their params are trivial) and, on approval, executes fn.
func (p *Plane) withPermit(ctx context.Context, keyName string, in transport.Inbound, kind *int, fn func() (any, error)) any {
	result, err := p.Authz.Permit(ctx, authz.Request{
		KeyName:      keyName,
		RemotePubkey: in.From,
		Method:       in.Request.Method,
		Kind:         kind,
		Params:       mustSerializeParams(in.Request.Params),
	})
	if err != nil {
		return bunkerr.New(bunkerr.Internal, "permit check failed: %v", err).Error()
	}
	switch result.Outcome {
	case authz.Approved:
		v, err := fn()
		if err != nil {
			return err.Error()
		}
		return v
	case authz.Denied:
		return bunkerr.New(bunkerr.Denied, "request denied").Error()
	default:
		return bunkerr.New(bunkerr.TimedOut, "no admin response within timeout").Error()
	}
}

// mustSerializeParams always serializes params as JSON (§9's resolved
// open question), regardless of method.
func mustSerializeParams(params []json.RawMessage) json.RawMessage {
	b, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func (p *Plane) handleSignEvent(ctx context.Context, keyName string, key *keystore.UnlockedKey, in transport.Inbound, params []json.RawMessage, resp *transport.Response) {
	if len(params) == 0 {
		resp.Error = bunkerr.New(bunkerr.BadRequest, "sign_event requires an event parameter").Error()
		return
	}
	ev, err := p.Codec.ParseEvent(params[0])
	if err != nil {
		resp.Error = bunkerr.Wrap(bunkerr.BadRequest, err, "parse event").Error()
		return
	}
	kind := ev.Kind

	authURLSent := false
	result, err := p.Authz.Permit(ctx, authz.Request{
		KeyName:      keyName,
		RemotePubkey: in.From,
		Method:       acl.MethodSignEvent,
		Kind:         &kind,
		Params:       mustSerializeParams(params),
		OnAuthURL: func(url string) error {
			authURLSent = true
			return p.Transport.Reply(ctx, transport.KindUserRPC, in.From, transport.Response{
				ID:    in.Request.ID,
				Error: fmt.Sprintf("auth_url:%s", url),
			})
		},
	})
	if err != nil {
		resp.Error = bunkerr.New(bunkerr.Internal, "permit check failed: %v", err).Error()
		return
	}
	_ = authURLSent

	switch result.Outcome {
	case authz.Approved:
		signed, err := p.Codec.SignEvent(ctx, key.PrivateHex, ev)
		if err != nil {
			resp.Error = bunkerr.Wrap(bunkerr.Internal, err, "sign event").Error()
			return
		}
		resp.Result = json.RawMessage(signed)
	case authz.Denied:
		resp.Error = bunkerr.New(bunkerr.Denied, "request denied").Error()
	default:
		resp.Error = bunkerr.New(bunkerr.TimedOut, "no admin response within timeout").Error()
	}
}

func (p *Plane) handlePairwise(ctx context.Context, keyName string, key *keystore.UnlockedKey, in transport.Inbound, params []json.RawMessage, encrypt bool, resp *transport.Response) {
	if len(params) < 2 {
		resp.Error = bunkerr.New(bunkerr.BadRequest, "expected (peer pubkey, payload) parameters").Error()
		return
	}
	var peer, payload string
	if err := json.Unmarshal(params[0], &peer); err != nil {
		resp.Error = bunkerr.Wrap(bunkerr.BadRequest, err, "decode peer pubkey").Error()
		return
	}
	if err := json.Unmarshal(params[1], &payload); err != nil {
		resp.Error = bunkerr.Wrap(bunkerr.BadRequest, err, "decode payload").Error()
		return
	}

	method := acl.MethodDecrypt
	if encrypt {
		method = acl.MethodEncrypt
	}

	result, err := p.Authz.Permit(ctx, authz.Request{
		KeyName:      keyName,
		RemotePubkey: in.From,
		Method:       method,
		Params:       mustSerializeParams(params),
		OnAuthURL: func(url string) error {
			return p.Transport.Reply(ctx, transport.KindUserRPC, in.From, transport.Response{
				ID:    in.Request.ID,
				Error: fmt.Sprintf("auth_url:%s", url),
			})
		},
	})
	if err != nil {
		resp.Error = bunkerr.New(bunkerr.Internal, "permit check failed: %v", err).Error()
		return
	}

	switch result.Outcome {
	case authz.Approved:
		var out string
		var opErr error
		if encrypt {
			out, opErr = p.Codec.Encrypt(ctx, key.PrivateHex, peer, payload)
		} else {
			out, opErr = p.Codec.Decrypt(ctx, key.PrivateHex, peer, payload)
		}
		if opErr != nil {
			resp.Error = bunkerr.Wrap(bunkerr.Internal, opErr, "pairwise operation").Error()
			return
		}
		resp.Result = out
	case authz.Denied:
		resp.Error = bunkerr.New(bunkerr.Denied, "request denied").Error()
	default:
		resp.Error = bunkerr.New(bunkerr.TimedOut, "no admin response within timeout").Error()
	}
}

func (p *Plane) handleCreateAccount(ctx context.Context, in transport.Inbound, params []json.RawMessage, resp *transport.Response) {
	var username, domain, email string
	if len(params) > 0 {
		_ = json.Unmarshal(params[0], &username)
	}
	if len(params) > 1 {
		_ = json.Unmarshal(params[1], &domain)
	}
	if len(params) > 2 {
		_ = json.Unmarshal(params[2], &email)
	}

	pubkey, _, err := p.AdminPlane.CreateAccount(ctx, in.From, username, domain, email)
	if err != nil {
		resp.Error = err.Error()
		return
	}
	resp.Result = map[string]string{"pubkey": pubkey}
}
