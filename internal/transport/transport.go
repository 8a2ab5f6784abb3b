// Package transport states the contract the relay-transported RPC
// channel must satisfy. The concrete relay client is an external
// collaborator (§1, §6 of the system this implements) — this package
// never dials a websocket itself; it only defines the interface every
// other package programs against, plus a deterministic in-memory double
// used by tests.
package transport

import (
	"context"
	"encoding/json"
)

// Event kinds distinguish the admin-plane channel from the user-plane
// channel so the two never cross on the same subscription.
const (
	KindAdminRPC = 24133
	KindUserRPC  = 24134
	KindPing     = 24135
)

// Request is one inbound RPC call, as carried by a decrypted event.
type Request struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response is the reply carried back over the same channel.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Inbound pairs a decrypted Request with the authenticated sender
// pubkey and the channel (recipient) pubkey it arrived on.
type Inbound struct {
	Request   Request
	From      string
	Recipient string
}

// Transport is the contract the bunker needs from the relay layer: an
// encrypted, authenticated request/response channel keyed by recipient
// public key. Subscriptions are per (kind, pubkey) pair; Reply answers on
// the same channel; SendRequest carries the admin acl fanout and the
// self-addressed liveness pings; Publish emits an unaddressed event (used
// for the skeleton profile published for freshly generated keys).
type Transport interface {
	// Subscribe opens a channel of inbound requests addressed to pubkey
	// on the given event kind. The returned channel is closed when ctx
	// is canceled or the subscription fails terminally.
	Subscribe(ctx context.Context, kind int, pubkey string) (<-chan Inbound, error)

	// Reply sends resp back to "to" on the given kind, as a reply to an
	// inbound request.
	Reply(ctx context.Context, kind int, to string, resp Response) error

	// SendRequest sends a new outbound RPC request to "to" on the given
	// kind (used for admin acl fanout and self-addressed pings).
	SendRequest(ctx context.Context, kind int, to string, req Request) error

	// DirectMessage sends an encrypted, free-form message to "to" (used
	// for notifyAdminsOnBoot connection-string delivery).
	DirectMessage(ctx context.Context, to, content string) error

	// Publish emits an unaddressed event (used for the skeleton profile
	// create_new_key optionally publishes).
	Publish(ctx context.Context, kind int, content string, tags [][]string) error
}
