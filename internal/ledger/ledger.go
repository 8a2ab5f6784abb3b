// Package ledger implements §4.4 Request Ledger: durable rows tracking a
// pending authorization decision from the moment the Authorization Engine
// opens it until a human (via direct admin approval or the web-approval
// flow) settles it, or it expires unanswered.
//
// Rows persist in the same embedded Pebble database the ACL Store uses
// (internal/store), following progressdb's pkg/store/pebble.go
// composite-key convention. Settlement wake-up is layered on top with an
// in-memory completion-channel table so pollUntilSettled does not have to
// busy-poll the database within a single process.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bunkerd/internal/bunkerr"
	"bunkerd/internal/store"
	"bunkerd/internal/telemetry"
)

// DefaultTTL is the self-expiry window for a pending request (§4.4).
const DefaultTTL = 60 * time.Second

// Request is one ledger row.
type Request struct {
	ID           string          `json:"id"`
	KeyName      string          `json:"key_name"`
	RemotePubkey string          `json:"remote_pubkey"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Allowed      *bool           `json:"allowed,omitempty"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
	SettledBy    string          `json:"settled_by,omitempty"`
}

// Pending reports whether the request is still awaiting a decision and
// has not expired.
func (r Request) Pending() bool {
	return r.Allowed == nil && time.Now().Before(r.ExpiresAt)
}

// Expired reports whether the request timed out unanswered.
func (r Request) Expired() bool {
	return r.Allowed == nil && !time.Now().Before(r.ExpiresAt)
}

func requestKey(id string) []byte {
	return []byte(fmt.Sprintf("request:%s", id))
}

// Ledger is the Request Ledger.
type Ledger struct {
	db *store.DB

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func New(db *store.DB) *Ledger {
	return &Ledger{db: db, waiters: map[string][]chan struct{}{}}
}

func (l *Ledger) put(r Request) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return l.db.Put(requestKey(r.ID), b)
}

// Open creates a new pending request row and returns it.
func (l *Ledger) Open(keyName, remotePubkey, method string, params json.RawMessage) (*Request, error) {
	now := time.Now().UTC()
	r := Request{
		ID:           uuid.NewString(),
		KeyName:      keyName,
		RemotePubkey: remotePubkey,
		Method:       method,
		Params:       params,
		CreatedAt:    now,
		ExpiresAt:    now.Add(DefaultTTL),
	}
	if err := l.put(r); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "persist request")
	}
	telemetry.PendingRequests.Inc()
	return &r, nil
}

// Find returns the current state of request id.
func (l *Ledger) Find(id string) (*Request, error) {
	v, ok, err := l.db.Get(requestKey(id))
	if err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "lookup request")
	}
	if !ok {
		return nil, bunkerr.New(bunkerr.NotFound, "request %s not found", id)
	}
	var r Request
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "decode request")
	}
	return &r, nil
}

// Settle records a decision on a pending request and wakes any waiters.
// Settling an already-settled request reports Conflict; settling an
// expired one reports Expired.
func (l *Ledger) Settle(id string, allowed bool, settledBy string) (*Request, error) {
	r, err := l.Find(id)
	if err != nil {
		return nil, err
	}
	if r.Allowed != nil {
		return nil, bunkerr.New(bunkerr.Conflict, "request %s already settled", id)
	}
	if r.Expired() {
		return nil, bunkerr.New(bunkerr.Expired, "request %s expired before settlement", id)
	}
	now := time.Now().UTC()
	r.Allowed = &allowed
	r.SettledAt = &now
	r.SettledBy = settledBy
	if err := l.put(*r); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "persist settlement")
	}
	telemetry.PendingRequests.Dec()
	l.wake(id)
	return r, nil
}

func (l *Ledger) wake(id string) {
	l.mu.Lock()
	chans := l.waiters[id]
	delete(l.waiters, id)
	l.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (l *Ledger) register(id string) chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	l.waiters[id] = append(l.waiters[id], ch)
	l.mu.Unlock()
	return ch
}

// PruneExpired deletes every pending row whose ExpiresAt has passed,
// enforcing §4.4's "rows self-expire" invariant at the storage layer
// (reads already treat an expired row as non-pending, so this is
// garbage collection rather than a correctness requirement).
func (l *Ledger) PruneExpired() (int, error) {
	var toDelete [][]byte
	now := time.Now()
	err := l.db.ScanPrefix([]byte("request:"), func(key, value []byte) error {
		var r Request
		if err := json.Unmarshal(value, &r); err != nil {
			return nil
		}
		if r.Allowed == nil && now.After(r.ExpiresAt) {
			toDelete = append(toDelete, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, bunkerr.Wrap(bunkerr.Internal, err, "scan requests")
	}
	for _, k := range toDelete {
		if err := l.db.Delete(k); err != nil {
			return 0, bunkerr.Wrap(bunkerr.Internal, err, "delete expired request")
		}
		telemetry.PendingRequests.Dec()
	}
	return len(toDelete), nil
}

// PollUntilSettled blocks until request id is settled, expires, ctx is
// canceled, or the request's own ExpiresAt passes — whichever comes
// first. It returns the final row.
func (l *Ledger) PollUntilSettled(ctx context.Context, id string) (*Request, error) {
	r, err := l.Find(id)
	if err != nil {
		return nil, err
	}
	if r.Allowed != nil {
		return r, nil
	}

	ch := l.register(id)
	timer := time.NewTimer(time.Until(r.ExpiresAt))
	defer timer.Stop()

	select {
	case <-ch:
		return l.Find(id)
	case <-timer.C:
		return l.Find(id)
	case <-ctx.Done():
		return l.Find(id)
	}
}
