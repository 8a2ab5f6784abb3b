// Package authz implements §4.5 Authorization Engine: the mediator
// that turns an ACL miss into either a direct-admin fanout or a
// web-approval suspension, and resolves either path back into the
// caller's original RPC.
//
// Per §9's design note on the cyclic reference between the Admin Plane
// and this engine, the engine never imports the admin plane. It talks to
// admins only through the transport contract (fanning out an "acl" RPC
// directly), and the admin plane's acl_response handler calls back into
// ResolveACLResponse — a single borrowed mediator value, not a pair of
// packages referencing each other.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"bunkerd/internal/acl"
	"bunkerd/internal/configstore"
	"bunkerd/internal/ledger"
	"bunkerd/internal/logger"
	"bunkerd/internal/telemetry"
	"bunkerd/internal/transport"
)

// AdminTimeout is the direct-admin fanout deadline (§4.5 step 6).
const AdminTimeout = 10 * time.Second

// WebPollInterval is the cadence of the web-approval poll loop (§4.5 step 4).
const WebPollInterval = 100 * time.Millisecond

// Outcome is the three-valued result of Permit.
type Outcome int

const (
	Approved Outcome = iota
	Denied
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	default:
		return "timedOut"
	}
}

// Result is what Permit resolves to.
type Result struct {
	Outcome   Outcome
	RequestID string
}

// Request bundles a permit check's inputs, including the optional
// callback Permit uses to deliver an out-of-band auth_url reply on the
// caller's original RPC (§4.5 step 4). Only the User Plane knows how to
// address that reply, so it supplies the callback rather than the engine
// reaching back into the plane.
type Request struct {
	KeyName      string
	RemotePubkey string
	Method       string
	Kind         *int
	Params       json.RawMessage
	OnAuthURL    func(url string) error
}

// Engine is the Authorization Engine.
type Engine struct {
	ACL       *acl.Store
	Ledger    *ledger.Ledger
	Transport transport.Transport
	Config    *configstore.Store
}

func New(aclStore *acl.Store, led *ledger.Ledger, tr transport.Transport, cfg *configstore.Store) *Engine {
	return &Engine{ACL: aclStore, Ledger: led, Transport: tr, Config: cfg}
}

// Permit is the engine's sole entry point.
func (e *Engine) Permit(ctx context.Context, req Request) (Result, error) {
	decision, err := e.ACL.Lookup(req.KeyName, req.RemotePubkey, req.Method, req.Kind)
	if err != nil {
		return Result{}, err
	}
	switch decision {
	case acl.Allow:
		telemetry.ACLLookupsTotal.WithLabelValues("allow").Inc()
		return Result{Outcome: Approved}, nil
	case acl.Deny:
		telemetry.ACLLookupsTotal.WithLabelValues("deny").Inc()
		return Result{Outcome: Denied}, nil
	}
	telemetry.ACLLookupsTotal.WithLabelValues("unknown").Inc()

	row, err := e.Ledger.Open(req.KeyName, req.RemotePubkey, req.Method, req.Params)
	if err != nil {
		return Result{}, err
	}

	cfg, err := e.Config.Get()
	if err != nil {
		return Result{}, err
	}

	if cfg.BaseURL != "" {
		return e.awaitWeb(ctx, cfg, row, req)
	}
	return e.awaitAdminFanout(ctx, cfg, row, req)
}

func (e *Engine) awaitWeb(ctx context.Context, cfg *configstore.Config, row *ledger.Request, req Request) (Result, error) {
	url := fmt.Sprintf("%s/requests/%s", cfg.BaseURL, row.ID)
	if req.OnAuthURL != nil {
		if err := req.OnAuthURL(url); err != nil {
			logger.Warn("auth_url_delivery_failed", "request_id", row.ID, "err", err)
		}
	}

	ticker := time.NewTicker(WebPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.finalize(row.ID, req)
		case <-ticker.C:
			cur, err := e.Ledger.Find(row.ID)
			if err != nil {
				return Result{}, err
			}
			if cur.Allowed != nil {
				return e.settleConvenience(cur, req)
			}
			if cur.Expired() {
				return Result{Outcome: TimedOut, RequestID: row.ID}, nil
			}
		}
	}
}

func (e *Engine) awaitAdminFanout(ctx context.Context, cfg *configstore.Config, row *ledger.Request, req Request) (Result, error) {
	if len(cfg.AdminPubkeys) == 0 {
		logger.Warn("acl_fanout_no_admins", "request_id", row.ID)
		return Result{Outcome: TimedOut, RequestID: row.ID}, nil
	}

	description, _, _ := e.ACL.DescribeUser(req.KeyName, req.RemotePubkey)
	descRaw, _ := json.Marshal(description)
	rpcReq := transport.Request{
		ID:     row.ID,
		Method: "acl",
		Params: []json.RawMessage{req.Params, descRaw},
	}
	for _, admin := range cfg.AdminPubkeys {
		if err := e.Transport.SendRequest(ctx, transport.KindAdminRPC, admin, rpcReq); err != nil {
			logger.Warn("acl_fanout_send_failed", "admin", admin, "request_id", row.ID, "err", err)
		}
	}

	fanoutCtx, cancel := context.WithTimeout(ctx, AdminTimeout)
	defer cancel()
	final, err := e.Ledger.PollUntilSettled(fanoutCtx, row.ID)
	if err != nil {
		return Result{}, err
	}
	if final.Allowed == nil {
		return Result{Outcome: TimedOut, RequestID: row.ID}, nil
	}
	return e.settleConvenience(final, req)
}

// settleConvenience turns a settled ledger row into a Result, applying
// §8 scenario 5's convenience grant: approving a connect also installs
// sign_event(all) so the very next request does not re-suspend.
func (e *Engine) settleConvenience(row *ledger.Request, req Request) (Result, error) {
	if row.Allowed == nil || !*row.Allowed {
		return Result{Outcome: Denied, RequestID: row.ID}, nil
	}
	if req.Method == acl.MethodConnect {
		if _, err := e.ACL.Grant(req.KeyName, req.RemotePubkey, acl.MethodSignEvent, "", acl.ScopeAll); err != nil {
			logger.Warn("connect_convenience_grant_failed", "request_id", row.ID, "err", err)
		}
	}
	return Result{Outcome: Approved, RequestID: row.ID}, nil
}

func (e *Engine) finalize(id string, req Request) (Result, error) {
	row, err := e.Ledger.Find(id)
	if err != nil {
		return Result{}, err
	}
	if row.Allowed == nil {
		return Result{Outcome: TimedOut, RequestID: id}, nil
	}
	return e.settleConvenience(row, req)
}

// ACLResponse is the decoded form of an admin's acl_response command
// params: ["always", description?, scope?] | ["never", ...] | other.
type ACLResponse struct {
	Verdict     string
	Description string
	Scope       string
}

// ParseACLResponse decodes the admin-supplied JSON array form described
// in §4.5 step 5.
func ParseACLResponse(raw []json.RawMessage) ACLResponse {
	var resp ACLResponse
	if len(raw) == 0 {
		return resp
	}
	_ = json.Unmarshal(raw[0], &resp.Verdict)
	if len(raw) > 1 {
		_ = json.Unmarshal(raw[1], &resp.Description)
	}
	if len(raw) > 2 {
		resp.Scope = decodeScope(raw[2])
	}
	return resp
}

// decodeScope accepts either form §8's admin replies use for the scope
// element: a bare string ("all", a numeric kind already stringified) or
// the literal object form {"kind": N} scenario 1 sends. Anything else
// decodes to "".
func decodeScope(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Kind *int `json:"kind"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Kind != nil {
		return strconv.Itoa(*obj.Kind)
	}
	return ""
}

// ResolveACLResponse is called by the Admin RPC Plane's acl_response
// handler. It interprets the admin's verdict, optionally writes a
// persistent ACL grant/deny, and settles the ledger row — which wakes
// the Permit call still blocked in awaitAdminFanout.
func (e *Engine) ResolveACLResponse(requestID string, adminPubkey string, resp ACLResponse) error {
	row, err := e.Ledger.Find(requestID)
	if err != nil {
		return err
	}
	if row.Allowed != nil {
		return nil // already settled by a racing reply; idempotent no-op
	}

	switch resp.Verdict {
	case "always":
		if _, err := e.ACL.Grant(row.KeyName, row.RemotePubkey, row.Method, resp.Description, resp.Scope); err != nil {
			return err
		}
		_, err = e.Ledger.Settle(requestID, true, adminPubkey)
		return err
	case "never":
		if _, err := e.ACL.Deny(row.KeyName, row.RemotePubkey); err != nil {
			return err
		}
		_, err = e.Ledger.Settle(requestID, false, adminPubkey)
		return err
	default:
		_, err = e.Ledger.Settle(requestID, true, adminPubkey)
		return err
	}
}
