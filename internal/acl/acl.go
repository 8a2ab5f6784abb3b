// Package acl implements §4.3 ACL Store: KeyUser rows binding a remote
// pubkey to a key name, SigningCondition rows governing method/scope
// decisions, Policy/PolicyRule templates, and one-shot Tokens that apply
// a policy to a KeyUser on redemption.
//
// Storage follows progressdb's pkg/store/pebble.go composite-key and
// prefix-scan idiom: each table is a key family (`keyuser:`, `cond:`,
// `policy:`, `token:`) inside one shared Pebble database, and per-row
// mutexes (keyed the same way that file keys its per-thread locks) guard
// the read-modify-write needed for counted-rule enforcement.
package acl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bunkerd/internal/bunkerr"
	"bunkerd/internal/logger"
	"bunkerd/internal/store"
)

// Decision is the three-valued outcome of an ACL lookup.
type Decision int

const (
	Unknown Decision = iota
	Allow
	Deny
)

// Method names recognized by SigningCondition rows.
const (
	MethodConnect       = "connect"
	MethodSignEvent     = "sign_event"
	MethodEncrypt       = "encrypt"
	MethodDecrypt       = "decrypt"
	MethodPing          = "ping"
	MethodCreateAccount = "create_account"
	MethodWildcard      = "*"

	ScopeAll = "all"
)

// KeyUser binds a remote pubkey to a logical key name.
type KeyUser struct {
	ID           string     `json:"id"`
	KeyName      string     `json:"key_name"`
	RemotePubkey string     `json:"remote_pubkey"`
	Description  string     `json:"description,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether this KeyUser has been soft-revoked.
func (k KeyUser) Revoked() bool { return k.RevokedAt != nil }

// SigningCondition governs whether method(+scope) is permitted for a KeyUser.
type SigningCondition struct {
	ID                string `json:"id"`
	KeyUserID         string `json:"key_user_id"`
	Method            string `json:"method"`
	Scope             string `json:"scope,omitempty"`
	Allowed           bool   `json:"allowed"`
	MaxUsageCount     int    `json:"max_usage_count,omitempty"`
	CurrentUsageCount int    `json:"current_usage_count,omitempty"`
}

// PolicyRule is a template row materialized into a SigningCondition on
// token redemption.
type PolicyRule struct {
	Method        string `json:"method" mapstructure:"method"`
	Kind          string `json:"kind,omitempty" mapstructure:"kind"`
	MaxUsageCount int    `json:"max_usage_count,omitempty" mapstructure:"max_usage_count"`
}

// Policy is a named, optionally-expiring bundle of rules.
type Policy struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Rules     []PolicyRule `json:"rules"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Token is a one-shot credential that grants the rights of a Policy on a
// named key to whoever redeems it.
type Token struct {
	Token               string     `json:"token"`
	KeyName             string     `json:"key_name"`
	ClientName          string     `json:"client_name"`
	PolicyID            string     `json:"policy_id"`
	CreatedBy           string     `json:"created_by"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	RedeemedAt          *time.Time `json:"redeemed_at,omitempty"`
	RedeemedByKeyUserID string     `json:"redeemed_by_key_user_id,omitempty"`
}

// Store is the ACL Store.
type Store struct {
	db *store.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(db *store.DB) *Store {
	return &Store{db: db, locks: map[string]*sync.Mutex{}}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// --- key schema ---

func keyUserKey(keyName, pubkey string) []byte {
	return []byte(fmt.Sprintf("keyuser:%s\x00%s", keyName, pubkey))
}

func keyUserByIDKey(id string) []byte {
	return []byte(fmt.Sprintf("keyuserid:%s", id))
}

func condKey(keyUserID, method, scope string) []byte {
	return []byte(fmt.Sprintf("cond:%s\x00%s\x00%s", keyUserID, method, scope))
}

func condPrefix(keyUserID string) []byte {
	return []byte(fmt.Sprintf("cond:%s\x00", keyUserID))
}

func policyKey(id string) []byte {
	return []byte(fmt.Sprintf("policy:%s", id))
}

func tokenKey(tok string) []byte {
	return []byte(fmt.Sprintf("token:%s", tok))
}

// --- KeyUser ---

func (s *Store) getKeyUser(keyName, pubkey string) (*KeyUser, bool, error) {
	v, ok, err := s.db.Get(keyUserKey(keyName, pubkey))
	if err != nil || !ok {
		return nil, ok, err
	}
	var ku KeyUser
	if err := json.Unmarshal(v, &ku); err != nil {
		return nil, false, err
	}
	return &ku, true, nil
}

func (s *Store) getKeyUserByID(id string) (*KeyUser, bool, error) {
	ref, ok, err := s.db.Get(keyUserByIDKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	v, ok, err := s.db.Get(ref)
	if err != nil || !ok {
		return nil, ok, err
	}
	var ku KeyUser
	if err := json.Unmarshal(v, &ku); err != nil {
		return nil, false, err
	}
	return &ku, true, nil
}

func (s *Store) putKeyUser(ku KeyUser) error {
	b, err := json.Marshal(ku)
	if err != nil {
		return err
	}
	pk := keyUserKey(ku.KeyName, ku.RemotePubkey)
	if err := s.db.Put(pk, b); err != nil {
		return err
	}
	return s.db.Put(keyUserByIDKey(ku.ID), pk)
}

// upsertKeyUser finds-or-creates the KeyUser for (keyName, pubkey) and
// optionally sets description if provided and currently empty.
func (s *Store) upsertKeyUser(keyName, pubkey, description string) (*KeyUser, error) {
	ku, ok, err := s.getKeyUser(keyName, pubkey)
	if err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "lookup key_user")
	}
	if ok {
		if description != "" && ku.Description == "" {
			ku.Description = description
			if err := s.putKeyUser(*ku); err != nil {
				return nil, bunkerr.Wrap(bunkerr.Internal, err, "update key_user")
			}
		}
		return ku, nil
	}
	nk := KeyUser{
		ID:           uuid.NewString(),
		KeyName:      keyName,
		RemotePubkey: pubkey,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.putKeyUser(nk); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "create key_user")
	}
	return &nk, nil
}

// RenameUser sets a KeyUser's description.
func (s *Store) RenameUser(keyUserID, description string) error {
	ku, ok, err := s.getKeyUserByID(keyUserID)
	if err != nil {
		return bunkerr.Wrap(bunkerr.Internal, err, "lookup key_user")
	}
	if !ok {
		return bunkerr.New(bunkerr.NotFound, "key_user %s not found", keyUserID)
	}
	ku.Description = description
	return s.putKeyUser(*ku)
}

// RevokeUser soft-revokes a KeyUser. Existing sessions are not torn down
// (§9 revocation semantics) — only future lookups are affected.
func (s *Store) RevokeUser(keyUserID string) error {
	ku, ok, err := s.getKeyUserByID(keyUserID)
	if err != nil {
		return bunkerr.Wrap(bunkerr.Internal, err, "lookup key_user")
	}
	if !ok {
		return bunkerr.New(bunkerr.NotFound, "key_user %s not found", keyUserID)
	}
	now := time.Now().UTC()
	ku.RevokedAt = &now
	if err := s.putKeyUser(*ku); err != nil {
		return err
	}
	logger.AuditEvent("key_user_revoked", "key_user_id", keyUserID, "key_name", ku.KeyName, "remote_pubkey", ku.RemotePubkey)
	return nil
}

// DescribeUser returns the stored description for (keyName, remotePubkey),
// if a KeyUser row already exists. Used by the authorization engine to
// enrich the direct-admin fanout message.
func (s *Store) DescribeUser(keyName, remotePubkey string) (string, bool, error) {
	ku, ok, err := s.getKeyUser(keyName, remotePubkey)
	if err != nil {
		return "", false, bunkerr.Wrap(bunkerr.Internal, err, "lookup key_user")
	}
	if !ok {
		return "", false, nil
	}
	return ku.Description, true, nil
}

// ListKeyUsers returns every KeyUser bound to keyName.
func (s *Store) ListKeyUsers(keyName string) ([]KeyUser, error) {
	var out []KeyUser
	err := s.db.ScanPrefix([]byte(fmt.Sprintf("keyuser:%s\x00", keyName)), func(_, v []byte) error {
		var ku KeyUser
		if err := json.Unmarshal(v, &ku); err != nil {
			return err
		}
		out = append(out, ku)
		return nil
	})
	return out, err
}

// --- SigningCondition ---

func (s *Store) putCondition(c SigningCondition) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Put(condKey(c.KeyUserID, c.Method, c.Scope), b)
}

func (s *Store) conditionsFor(keyUserID string) ([]SigningCondition, error) {
	var out []SigningCondition
	err := s.db.ScanPrefix(condPrefix(keyUserID), func(_, v []byte) error {
		var c SigningCondition
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// scopeFor derives the SigningCondition scope for a method/kind pair:
// sign_event scopes by event kind (or "all"); every other method has an
// empty scope.
func scopeFor(method string, kind *int, explicitScope string) string {
	if explicitScope != "" {
		return explicitScope
	}
	if method == MethodSignEvent {
		if kind != nil {
			return strconv.Itoa(*kind)
		}
		return ScopeAll
	}
	return ""
}

// Lookup implements §4.3's five-step lookup algorithm.
func (s *Store) Lookup(keyName, remotePubkey, method string, kind *int) (Decision, error) {
	ku, ok, err := s.getKeyUser(keyName, remotePubkey)
	if err != nil {
		return Unknown, bunkerr.Wrap(bunkerr.Internal, err, "lookup key_user")
	}
	if !ok {
		return Unknown, nil
	}

	conds, err := s.conditionsFor(ku.ID)
	if err != nil {
		return Unknown, bunkerr.Wrap(bunkerr.Internal, err, "lookup conditions")
	}

	// Step 2: explicit wildcard deny always wins.
	for _, c := range conds {
		if c.Method == MethodWildcard && !c.Allowed {
			return Deny, nil
		}
	}

	wantScope := scopeFor(method, kind, "")
	var match *SigningCondition
	for i := range conds {
		c := conds[i]
		if c.Method != method {
			continue
		}
		if method == MethodSignEvent {
			if c.Scope == wantScope || c.Scope == ScopeAll {
				match = &conds[i]
				if c.Scope == wantScope {
					break // exact-kind match takes priority over an "all" row
				}
			}
			continue
		}
		match = &conds[i]
		break
	}

	if match == nil {
		return Unknown, nil
	}
	if ku.Revoked() {
		return Deny, nil
	}
	if !match.Allowed {
		return Deny, nil
	}
	if match.MaxUsageCount > 0 {
		allowed, err := s.consumeCountedRule(*match)
		if err != nil {
			return Unknown, err
		}
		if !allowed {
			return Deny, nil
		}
	}
	return Allow, nil
}

// consumeCountedRule atomically increments a counted rule's usage and
// reports whether the request is still within budget. §9's Open Question
// on counted rules is decided explicitly: they are enforced here, denying
// once the count is exhausted.
func (s *Store) consumeCountedRule(c SigningCondition) (bool, error) {
	key := string(condKey(c.KeyUserID, c.Method, c.Scope))
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	v, ok, err := s.db.Get([]byte(key))
	if err != nil {
		return false, bunkerr.Wrap(bunkerr.Internal, err, "reload condition")
	}
	if !ok {
		return false, nil
	}
	var cur SigningCondition
	if err := json.Unmarshal(v, &cur); err != nil {
		return false, bunkerr.Wrap(bunkerr.Internal, err, "decode condition")
	}
	if cur.CurrentUsageCount >= cur.MaxUsageCount {
		return false, nil
	}
	cur.CurrentUsageCount++
	if err := s.putCondition(cur); err != nil {
		return false, bunkerr.Wrap(bunkerr.Internal, err, "persist condition usage")
	}
	return true, nil
}

// Grant upserts the KeyUser and inserts an allow SigningCondition.
func (s *Store) Grant(keyName, remotePubkey, method, description, scope string) (*KeyUser, error) {
	ku, err := s.upsertKeyUser(keyName, remotePubkey, description)
	if err != nil {
		return nil, err
	}
	sc := SigningCondition{
		ID:        uuid.NewString(),
		KeyUserID: ku.ID,
		Method:    method,
		Scope:     scopeFor(method, nil, scope),
		Allowed:   true,
	}
	if err := s.putCondition(sc); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "persist grant")
	}
	logger.AuditEvent("acl_grant", "key_name", keyName, "remote_pubkey", remotePubkey, "method", method, "scope", sc.Scope)
	return ku, nil
}

// Deny upserts the KeyUser and inserts a hard wildcard-deny row.
func (s *Store) Deny(keyName, remotePubkey string) (*KeyUser, error) {
	ku, err := s.upsertKeyUser(keyName, remotePubkey, "")
	if err != nil {
		return nil, err
	}
	sc := SigningCondition{
		ID:        uuid.NewString(),
		KeyUserID: ku.ID,
		Method:    MethodWildcard,
		Allowed:   false,
	}
	if err := s.putCondition(sc); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "persist deny")
	}
	logger.AuditEvent("acl_deny", "key_name", keyName, "remote_pubkey", remotePubkey)
	return ku, nil
}

// --- Policy ---

func (s *Store) CreatePolicy(name string, rules []PolicyRule, expiresAt *time.Time) (*Policy, error) {
	p := Policy{ID: uuid.NewString(), Name: name, Rules: rules, ExpiresAt: expiresAt, CreatedAt: time.Now().UTC()}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put(policyKey(p.ID), b); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "persist policy")
	}
	return &p, nil
}

func (s *Store) GetPolicy(id string) (*Policy, error) {
	v, ok, err := s.db.Get(policyKey(id))
	if err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "lookup policy")
	}
	if !ok {
		return nil, bunkerr.New(bunkerr.NotFound, "policy %s not found", id)
	}
	var p Policy
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "decode policy")
	}
	return &p, nil
}

func (s *Store) ListPolicies() ([]Policy, error) {
	var out []Policy
	err := s.db.ScanPrefix([]byte("policy:"), func(_, v []byte) error {
		var p Policy
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// --- Token ---

func (s *Store) CreateToken(keyName, clientName, policyID, createdBy string, expiresAt *time.Time) (*Token, error) {
	t := Token{
		Token:      uuid.NewString(),
		KeyName:    keyName,
		ClientName: clientName,
		PolicyID:   policyID,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put(tokenKey(t.Token), b); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "persist token")
	}
	return &t, nil
}

func (s *Store) getToken(tok string) (*Token, error) {
	v, ok, err := s.db.Get(tokenKey(tok))
	if err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "lookup token")
	}
	if !ok {
		return nil, bunkerr.New(bunkerr.NotFound, "token not found")
	}
	var t Token
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "decode token")
	}
	return &t, nil
}

func (s *Store) ListTokens(keyName string) ([]Token, error) {
	var out []Token
	err := s.db.ScanPrefix([]byte("token:"), func(_, v []byte) error {
		var t Token
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		if t.KeyName == keyName {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// ApplyToken redeems a token on behalf of userPubkey: validates the
// token, upserts the KeyUser, grants a baseline connect allow, and
// materializes every policy rule into a SigningCondition. Per §4.3, this
// is transactional — either all rows land or none do — and per §8,
// idempotent only up to the first success.
func (s *Store) ApplyToken(userPubkey, tok string) (*KeyUser, error) {
	lock := s.lockFor(string(tokenKey(tok)))
	lock.Lock()
	defer lock.Unlock()

	t, err := s.getToken(tok)
	if err != nil {
		return nil, err
	}
	if t.RedeemedAt != nil {
		return nil, bunkerr.New(bunkerr.AlreadyRedeemed, "token already redeemed")
	}
	if t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt) {
		return nil, bunkerr.New(bunkerr.Expired, "token expired")
	}
	policy, err := s.GetPolicy(t.PolicyID)
	if err != nil {
		return nil, err
	}
	if policy.ExpiresAt != nil && time.Now().After(*policy.ExpiresAt) {
		return nil, bunkerr.New(bunkerr.Expired, "policy expired")
	}

	// Find or build the KeyUser without persisting it here: the batch
	// below writes it together with the condition and token rows.
	ku, found, err := s.getKeyUser(t.KeyName, userPubkey)
	if err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "lookup key_user")
	}
	if !found {
		ku = &KeyUser{ID: uuid.NewString(), KeyName: t.KeyName, RemotePubkey: userPubkey, CreatedAt: time.Now().UTC()}
	}
	if ku.Description == "" {
		ku.Description = fmt.Sprintf("token:%s", t.ClientName)
	}

	batch := s.db.NewBatch()
	kuBytes, _ := json.Marshal(*ku)
	if err := batch.Put(keyUserKey(ku.KeyName, ku.RemotePubkey), kuBytes); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "batch key_user")
	}
	if err := batch.Put(keyUserByIDKey(ku.ID), keyUserKey(ku.KeyName, ku.RemotePubkey)); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "batch key_user index")
	}

	baseline := SigningCondition{ID: uuid.NewString(), KeyUserID: ku.ID, Method: MethodConnect, Allowed: true}
	if err := batchPutJSON(batch, condKey(baseline.KeyUserID, baseline.Method, baseline.Scope), baseline); err != nil {
		return nil, err
	}

	for _, r := range policy.Rules {
		sc := SigningCondition{
			ID:            uuid.NewString(),
			KeyUserID:     ku.ID,
			Method:        r.Method,
			Scope:         scopeFor(r.Method, nil, r.Kind),
			Allowed:       true,
			MaxUsageCount: r.MaxUsageCount,
		}
		if err := batchPutJSON(batch, condKey(sc.KeyUserID, sc.Method, sc.Scope), sc); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	t.RedeemedAt = &now
	t.RedeemedByKeyUserID = ku.ID
	if err := batchPutJSON(batch, tokenKey(t.Token), *t); err != nil {
		return nil, err
	}

	if err := batch.Commit(); err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "commit token redemption")
	}
	logger.AuditEvent("token_redeemed", "token", redactToken(t.Token), "key_name", t.KeyName, "remote_pubkey", userPubkey, "policy_id", t.PolicyID)
	return ku, nil
}

func batchPutJSON(b *store.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return bunkerr.Wrap(bunkerr.Internal, err, "marshal")
	}
	if err := b.Put(key, data); err != nil {
		return bunkerr.Wrap(bunkerr.Internal, err, "batch put")
	}
	return nil
}

// StaleRetention is how long a redeemed token or a revoked KeyUser
// lingers before PruneStale collects it. Not spec-mandated; chosen as a
// generous default that still keeps the store from growing unbounded
// under normal churn.
const StaleRetention = 30 * 24 * time.Hour

// PruneStale deletes tokens and KeyUser rows that are no longer live:
// tokens that expired unredeemed or were redeemed longer than
// StaleRetention ago, and KeyUser rows (plus their SigningCondition
// rows) revoked longer than StaleRetention ago. It returns the count of
// each kind removed.
func (s *Store) PruneStale(now time.Time) (tokens int, keyUsers int, err error) {
	tokens, err = s.pruneStaleTokens(now)
	if err != nil {
		return tokens, 0, err
	}
	keyUsers, err = s.pruneStaleKeyUsers(now)
	return tokens, keyUsers, err
}

func (s *Store) pruneStaleTokens(now time.Time) (int, error) {
	var toDelete [][]byte
	err := s.db.ScanPrefix([]byte("token:"), func(key, value []byte) error {
		var t Token
		if err := json.Unmarshal(value, &t); err != nil {
			return nil
		}
		stale := false
		switch {
		case t.RedeemedAt != nil:
			stale = now.Sub(*t.RedeemedAt) > StaleRetention
		case t.ExpiresAt != nil:
			stale = now.After(*t.ExpiresAt)
		}
		if stale {
			toDelete = append(toDelete, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, bunkerr.Wrap(bunkerr.Internal, err, "scan tokens")
	}
	for _, k := range toDelete {
		if err := s.db.Delete(k); err != nil {
			return 0, bunkerr.Wrap(bunkerr.Internal, err, "delete stale token")
		}
	}
	return len(toDelete), nil
}

func (s *Store) pruneStaleKeyUsers(now time.Time) (int, error) {
	var stale []KeyUser
	err := s.db.ScanPrefix([]byte("keyuser:"), func(_, value []byte) error {
		var ku KeyUser
		if err := json.Unmarshal(value, &ku); err != nil {
			return nil
		}
		if ku.RevokedAt != nil && now.Sub(*ku.RevokedAt) > StaleRetention {
			stale = append(stale, ku)
		}
		return nil
	})
	if err != nil {
		return 0, bunkerr.Wrap(bunkerr.Internal, err, "scan key_users")
	}
	for _, ku := range stale {
		conds, err := s.conditionsFor(ku.ID)
		if err != nil {
			return 0, bunkerr.Wrap(bunkerr.Internal, err, "scan conditions for stale key_user")
		}
		batch := s.db.NewBatch()
		for _, c := range conds {
			if err := batch.Delete(condKey(c.KeyUserID, c.Method, c.Scope)); err != nil {
				return 0, bunkerr.Wrap(bunkerr.Internal, err, "batch delete condition")
			}
		}
		if err := batch.Delete(keyUserByIDKey(ku.ID)); err != nil {
			return 0, bunkerr.Wrap(bunkerr.Internal, err, "batch delete key_user index")
		}
		if err := batch.Delete(keyUserKey(ku.KeyName, ku.RemotePubkey)); err != nil {
			return 0, bunkerr.Wrap(bunkerr.Internal, err, "batch delete key_user")
		}
		if err := batch.Commit(); err != nil {
			return 0, bunkerr.Wrap(bunkerr.Internal, err, "commit stale key_user prune")
		}
	}
	return len(stale), nil
}

func redactToken(t string) string {
	if len(t) <= 8 {
		return strings.Repeat("*", len(t))
	}
	return t[:4] + strings.Repeat("*", len(t)-8) + t[len(t)-4:]
}
