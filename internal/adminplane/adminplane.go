// Package adminplane implements §4.6 Admin RPC Plane: the command
// dispatcher bound to the bunker's own admin pubkey, plus create_account
// provisioning, which the User Plane delegates into directly (a plain
// function call, not a second RPC hop) rather than importing this
// package's dispatcher.
package adminplane

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/mitchellh/mapstructure"

	"bunkerd/internal/acl"
	"bunkerd/internal/authz"
	"bunkerd/internal/bunkerr"
	"bunkerd/internal/configstore"
	"bunkerd/internal/eventcodec"
	"bunkerd/internal/identityfile"
	"bunkerd/internal/keystore"
	"bunkerd/internal/logger"
	"bunkerd/internal/telemetry"
	"bunkerd/internal/transport"
	"bunkerd/internal/wallet"
)

var reservedUsernames = map[string]bool{
	"admin": true, "root": true, "_": true, "administrator": true, "__": true,
}

// Plane is the Admin RPC Plane.
type Plane struct {
	Keystore  *keystore.Store
	Config    *configstore.Store
	ACL       *acl.Store
	Authz     *authz.Engine
	Transport transport.Transport
	Codec     eventcodec.Codec
	Wallet    wallet.Provisioner

	// ConfigPath is the on-disk location of the config document, used to
	// place the sibling connection.txt.
	ConfigPath string

	// AllowedKeys, if non-empty, restricts unlock_key to the named stored
	// keys (the CLI's repeatable --key flag, §6). unlock_key still
	// requires the admin's passphrase; this only narrows which keys a
	// given boot session is willing to unlock.
	AllowedKeys []string

	// OnKeyInstalled, if set, is called whenever a key is newly unlocked
	// (create_new_key, unlock_key, or CreateAccount) so the User Plane
	// can start a subscription for it.
	OnKeyInstalled func(keyName string)
}

// ConnectionString builds the bunker://pubkey@relay,relay,... literal
// described in §6.
func ConnectionString(adminPubkey string, relays []string) string {
	encoded := make([]string, len(relays))
	for i, r := range relays {
		r = strings.TrimPrefix(r, "wss://")
		encoded[i] = r
	}
	return fmt.Sprintf("bunker://%s@%s", adminPubkey, strings.Join(encoded, ","))
}

// Run subscribes to the admin channel and dispatches inbound commands
// until ctx is canceled.
func (p *Plane) Run(ctx context.Context) error {
	cfg, err := p.Config.Get()
	if err != nil {
		return err
	}
	adminPubkey, err := p.Codec.PubKeyFor(cfg.AdminPrivateKeyHex)
	if err != nil {
		return bunkerr.Wrap(bunkerr.Internal, err, "derive admin pubkey")
	}

	connStr := ConnectionString(adminPubkey, cfg.AdminPlaneRelays)
	if err := configstore.WriteConnectionString(p.ConfigPath, connStr); err != nil {
		logger.Warn("connection_string_write_failed", "err", err)
	}
	logger.Info("admin_plane_connection_string", "value", connStr)

	if cfg.NotifyAdminsOnBoot {
		for _, admin := range cfg.AdminPubkeys {
			if err := p.Transport.DirectMessage(ctx, admin, connStr); err != nil {
				logger.Warn("notify_admin_on_boot_failed", "admin", admin, "err", err)
			}
		}
	}

	inbound, err := p.Transport.Subscribe(ctx, transport.KindAdminRPC, adminPubkey)
	if err != nil {
		return bunkerr.Wrap(bunkerr.Internal, err, "subscribe admin channel")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			p.dispatch(ctx, in, cfg)
		}
	}
}

func (p *Plane) dispatch(ctx context.Context, in transport.Inbound, cfg *configstore.Config) {
	resp := p.handle(ctx, in, cfg)
	outcome := "ok"
	if resp.Error != "" {
		outcome = "error"
	}
	telemetry.RPCsTotal.WithLabelValues("admin", in.Request.Method, outcome).Inc()
	if err := p.Transport.Reply(ctx, transport.KindAdminRPC, in.From, resp); err != nil {
		logger.Warn("admin_reply_failed", "method", in.Request.Method, "err", err)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (p *Plane) isAdmin(pubkey string, cfg *configstore.Config) bool {
	for _, a := range cfg.AdminPubkeys {
		if a == pubkey {
			return true
		}
	}
	return false
}

func (p *Plane) handle(ctx context.Context, in transport.Inbound, cfg *configstore.Config) transport.Response {
	resp := transport.Response{ID: in.Request.ID}

	admitted := p.isAdmin(in.From, cfg)
	if in.Request.Method == "create_account" && cfg.AllowNewKeys {
		admitted = true
	}
	if !admitted {
		resp.Error = bunkerr.New(bunkerr.Unauthorized, "sender is not an admin").Error()
		return resp
	}

	result, err := p.dispatchCommand(ctx, in, cfg)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Result = result
	return resp
}

func (p *Plane) dispatchCommand(ctx context.Context, in transport.Inbound, cfg *configstore.Config) (any, error) {
	params := in.Request.Params
	switch in.Request.Method {
	case "get_keys":
		return p.getKeys(cfg), nil
	case "get_key_users":
		keyName, err := stringArg(params, 0)
		if err != nil {
			return nil, err
		}
		return p.ACL.ListKeyUsers(keyName)
	case "get_key_tokens":
		keyName, err := stringArg(params, 0)
		if err != nil {
			return nil, err
		}
		return p.ACL.ListTokens(keyName)
	case "get_policies":
		return p.ACL.ListPolicies()
	case "create_new_key":
		return p.createNewKey(ctx, params, cfg)
	case "create_new_policy":
		return p.createNewPolicy(params)
	case "create_new_token":
		return p.createNewToken(params, in.From)
	case "unlock_key":
		return p.unlockKey(params, cfg)
	case "rename_key_user":
		return p.renameKeyUser(params)
	case "revoke_user":
		return p.revokeUser(params)
	case "create_account":
		return p.createAccountCommand(ctx, in.From, params)
	case "acl_response":
		return p.aclResponse(params, in.From)
	case "ping":
		return "pong", nil
	default:
		return nil, bunkerr.New(bunkerr.BadRequest, "unknown admin command %q", in.Request.Method)
	}
}

type keyInfo struct {
	Name     string `json:"name"`
	PubKey   string `json:"pubkey"`
	Unlocked bool   `json:"unlocked"`
}

func (p *Plane) getKeys(cfg *configstore.Config) []keyInfo {
	names := make([]string, 0, len(cfg.KeyEntries))
	for n := range cfg.KeyEntries {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]keyInfo, 0, len(names))
	for _, n := range names {
		_, unlocked := p.Keystore.GetUnlocked(n)
		out = append(out, keyInfo{Name: n, PubKey: cfg.KeyEntries[n].PubKey, Unlocked: unlocked})
	}
	return out
}

func stringArg(params []json.RawMessage, i int) (string, error) {
	if i >= len(params) {
		return "", bunkerr.New(bunkerr.BadRequest, "missing parameter %d", i)
	}
	var s string
	if err := json.Unmarshal(params[i], &s); err != nil {
		return "", bunkerr.Wrap(bunkerr.BadRequest, err, "parameter %d is not a string", i)
	}
	return s, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type createNewKeyArgs struct {
	KeyName    string
	Passphrase string
	Nsec       string
	Email      string
}

func decodeCreateNewKeyArgs(params []json.RawMessage) (createNewKeyArgs, error) {
	var a createNewKeyArgs
	var err error
	if a.KeyName, err = stringArg(params, 0); err != nil {
		return a, err
	}
	if a.Passphrase, err = stringArg(params, 1); err != nil {
		return a, err
	}
	if len(params) > 2 {
		_ = json.Unmarshal(params[2], &a.Nsec)
	}
	if len(params) > 3 {
		_ = json.Unmarshal(params[3], &a.Email)
	}
	return a, nil
}

func (p *Plane) createNewKey(ctx context.Context, params []json.RawMessage, cfg *configstore.Config) (any, error) {
	args, err := decodeCreateNewKeyArgs(params)
	if err != nil {
		return nil, err
	}

	privHex := args.Nsec
	if privHex == "" {
		h, err := randomHex(32)
		if err != nil {
			return nil, bunkerr.Wrap(bunkerr.Internal, err, "generate key material")
		}
		privHex = h
	}
	if !keystore.IsValidPrivateKeyHex([]byte(privHex)) {
		return nil, bunkerr.New(bunkerr.BadRequest, "nsec is not a syntactically valid private key")
	}

	pubkey, err := p.Codec.PubKeyFor(privHex)
	if err != nil {
		return nil, bunkerr.Wrap(bunkerr.Internal, err, "derive public key")
	}

	if args.Nsec == "" {
		p.publishSkeletonProfile(ctx, pubkey, args.Email, cfg)
	}

	entry, err := keystore.Encrypt([]byte(privHex), args.Passphrase)
	if err != nil {
		return nil, err
	}
	entry.PubKey = pubkey

	cfg.KeyEntries[args.KeyName] = entry
	if err := p.Config.Put(cfg); err != nil {
		return nil, err
	}

	p.Keystore.Install(args.KeyName, pubkey, privHex)
	telemetry.UnlockedKeys.Set(float64(p.Keystore.Count()))
	if p.OnKeyInstalled != nil {
		p.OnKeyInstalled(args.KeyName)
	}
	logger.AuditEvent("key_created", "key_name", args.KeyName, "pubkey", pubkey)

	return keyInfo{Name: args.KeyName, PubKey: pubkey, Unlocked: true}, nil
}

// publishSkeletonProfile publishes a minimal profile, a default (empty)
// follow list, and a relay list for a freshly generated key, targeted at
// the configured seed relay set (§4.6): display name, an avatar derived
// from the optional email hash, tagged with every seed relay as a
// relay hint. All best-effort: failures are logged, never fatal.
//
// Per-relay publish targeting is out of scope: transport.Transport's
// Publish has no relay parameter (§1, §6 treat the concrete relay
// client as an external collaborator), so the seed relays are carried
// as "r" tags on the published events rather than dialed directly.
func (p *Plane) publishSkeletonProfile(ctx context.Context, pubkey, email string, cfg *configstore.Config) {
	profile := map[string]string{"name": pubkey[:8]}
	if email != "" {
		sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
		profile["picture"] = "https://gravatar.com/avatar/" + hex.EncodeToString(sum[:])
	}
	content, err := json.Marshal(profile)
	if err != nil {
		return
	}

	relayTags := seedRelayTags(cfg.SeedRelays)
	tags := append([][]string{{"p", pubkey}}, relayTags...)
	if err := p.Transport.Publish(ctx, 0, string(content), tags); err != nil {
		logger.Warn("skeleton_profile_publish_failed", "pubkey", pubkey, "err", err)
	}

	if err := p.Transport.Publish(ctx, 3, "", relayTags); err != nil {
		logger.Warn("skeleton_follow_list_publish_failed", "pubkey", pubkey, "err", err)
	}

	if len(cfg.SeedRelays) > 0 {
		if err := p.Transport.Publish(ctx, 10002, "", relayTags); err != nil {
			logger.Warn("skeleton_relay_list_publish_failed", "pubkey", pubkey, "err", err)
		}
	}
}

func seedRelayTags(relays []string) [][]string {
	tags := make([][]string, 0, len(relays))
	for _, r := range relays {
		tags = append(tags, []string{"r", r})
	}
	return tags
}

func (p *Plane) createNewPolicy(params []json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, bunkerr.New(bunkerr.BadRequest, "missing policy spec")
	}
	var raw map[string]any
	if err := json.Unmarshal(params[0], &raw); err != nil {
		return nil, bunkerr.Wrap(bunkerr.BadRequest, err, "decode policy spec")
	}

	var decoded struct {
		Name              string           `mapstructure:"name"`
		Rules             []acl.PolicyRule `mapstructure:"rules"`
		ExpiresInDuration string           `mapstructure:"expires_in"`
	}
	if err := mapstructure.Decode(raw, &decoded); err != nil {
		return nil, bunkerr.Wrap(bunkerr.BadRequest, err, "decode policy spec")
	}

	var expiresAt *time.Time
	if decoded.ExpiresInDuration != "" {
		d, err := parseutil.ParseDurationSecond(decoded.ExpiresInDuration)
		if err != nil {
			return nil, bunkerr.Wrap(bunkerr.BadRequest, err, "parse expires_in")
		}
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	return p.ACL.CreatePolicy(decoded.Name, decoded.Rules, expiresAt)
}

func (p *Plane) createNewToken(params []json.RawMessage, createdBy string) (any, error) {
	keyName, err := stringArg(params, 0)
	if err != nil {
		return nil, err
	}
	clientName, err := stringArg(params, 1)
	if err != nil {
		return nil, err
	}
	policyID, err := stringArg(params, 2)
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if len(params) > 3 {
		var hours float64
		if err := json.Unmarshal(params[3], &hours); err == nil && hours > 0 {
			t := time.Now().UTC().Add(time.Duration(hours * float64(time.Hour)))
			expiresAt = &t
		}
	}

	return p.ACL.CreateToken(keyName, clientName, policyID, createdBy, expiresAt)
}

func (p *Plane) unlockKey(params []json.RawMessage, cfg *configstore.Config) (any, error) {
	keyName, err := stringArg(params, 0)
	if err != nil {
		return nil, err
	}
	passphrase, err := stringArg(params, 1)
	if err != nil {
		return nil, err
	}
	entry, ok := cfg.KeyEntries[keyName]
	if !ok {
		return nil, bunkerr.New(bunkerr.NotFound, "key %q not found", keyName)
	}
	if len(p.AllowedKeys) > 0 && !contains(p.AllowedKeys, keyName) {
		return nil, bunkerr.New(bunkerr.Unauthorized, "key %q is not in this boot session's --key whitelist", keyName)
	}
	if _, err := p.Keystore.Unlock(keyName, entry, passphrase); err != nil {
		return nil, err
	}
	telemetry.UnlockedKeys.Set(float64(p.Keystore.Count()))
	if p.OnKeyInstalled != nil {
		p.OnKeyInstalled(keyName)
	}
	return true, nil
}

func (p *Plane) renameKeyUser(params []json.RawMessage) (any, error) {
	keyUserID, err := stringArg(params, 0)
	if err != nil {
		return nil, err
	}
	description, err := stringArg(params, 1)
	if err != nil {
		return nil, err
	}
	if err := p.ACL.RenameUser(keyUserID, description); err != nil {
		return nil, err
	}
	return true, nil
}

func (p *Plane) revokeUser(params []json.RawMessage) (any, error) {
	keyUserID, err := stringArg(params, 0)
	if err != nil {
		return nil, err
	}
	if err := p.ACL.RevokeUser(keyUserID); err != nil {
		return nil, err
	}
	return true, nil
}

func (p *Plane) aclResponse(params []json.RawMessage, from string) (any, error) {
	requestID, err := stringArg(params, 0)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, bunkerr.New(bunkerr.BadRequest, "missing acl response verdict")
	}
	var verdictArgs []json.RawMessage
	if err := json.Unmarshal(params[1], &verdictArgs); err != nil {
		// Allow a bare verdict string too: ["reqid", "never"]
		verdictArgs = params[1:]
	}
	resp := authz.ParseACLResponse(verdictArgs)
	if err := p.Authz.ResolveACLResponse(requestID, from, resp); err != nil {
		return nil, err
	}
	return true, nil
}

func (p *Plane) createAccountCommand(ctx context.Context, callerPubkey string, params []json.RawMessage) (any, error) {
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
	pubkey, _, err := p.CreateAccount(ctx, callerPubkey, username, domain, email)
	if err != nil {
		return nil, err
	}
	return map[string]string{"pubkey": pubkey}, nil
}

// CreateAccount implements §4.6's create_account logic. It is exported
// so the User Plane can delegate into it directly for user-initiated
// account creation, without a second RPC hop.
func (p *Plane) CreateAccount(ctx context.Context, callerPubkey, username, domain, email string) (pubkey, keyName string, err error) {
	cfg, err := p.Config.Get()
	if err != nil {
		return "", "", err
	}

	if username == "" {
		username, err = randomUsername()
		if err != nil {
			return "", "", err
		}
	}
	if reservedUsernames[strings.ToLower(username)] {
		return "", "", bunkerr.New(bunkerr.Conflict, "username %q is reserved", username)
	}

	if domain == "" {
		domain, err = firstDomain(cfg)
		if err != nil {
			return "", "", err
		}
	}
	domCfg, ok := cfg.Domains[domain]
	if !ok {
		return "", "", bunkerr.New(bunkerr.Conflict, "domain %q is not configured", domain)
	}

	idStore := identityfile.New(domCfg.IdentityFilePath)
	taken, err := idStore.HasUsername(username)
	if err != nil {
		return "", "", err
	}
	if taken {
		return "", "", bunkerr.New(bunkerr.Conflict, "username %q is taken", username)
	}

	privHex, err := randomHex(32)
	if err != nil {
		return "", "", bunkerr.Wrap(bunkerr.Internal, err, "generate account key material")
	}
	pubkey, err = p.Codec.PubKeyFor(privHex)
	if err != nil {
		return "", "", bunkerr.Wrap(bunkerr.Internal, err, "derive account public key")
	}
	keyName = fmt.Sprintf("%s@%s", username, domain)

	passphrase, err := randomHex(32)
	if err != nil {
		return "", "", bunkerr.Wrap(bunkerr.Internal, err, "generate account passphrase")
	}
	entry, err := keystore.Encrypt([]byte(privHex), passphrase)
	if err != nil {
		return "", "", err
	}
	entry.PubKey = pubkey
	cfg.KeyEntries[keyName] = entry
	if err := p.Config.Put(cfg); err != nil {
		return "", "", err
	}
	p.Keystore.Install(keyName, pubkey, privHex)
	telemetry.UnlockedKeys.Set(float64(p.Keystore.Count()))
	if p.OnKeyInstalled != nil {
		p.OnKeyInstalled(keyName)
	}

	p.publishSkeletonProfile(ctx, pubkey, email, cfg)

	if err := idStore.AddAccount(username, pubkey, cfg.UserPlaneRelays); err != nil {
		return "", "", err
	}

	if domCfg.WalletBackend != "" && p.Wallet != nil {
		if _, err := p.Wallet.Provision(ctx, domCfg.WalletBackend, username, domain, pubkey); err != nil {
			logger.Warn("wallet_provision_failed", "username", username, "domain", domain, "err", err)
		}
	}

	for _, grant := range []struct{ method, scope string }{
		{acl.MethodConnect, ""},
		{acl.MethodSignEvent, acl.ScopeAll},
		{acl.MethodEncrypt, ""},
		{acl.MethodDecrypt, ""},
	} {
		if _, err := p.ACL.Grant(keyName, callerPubkey, grant.method, "", grant.scope); err != nil {
			return "", "", err
		}
	}

	logger.AuditEvent("account_created", "username", username, "domain", domain, "pubkey", pubkey, "caller", callerPubkey)
	return pubkey, keyName, nil
}

func firstDomain(cfg *configstore.Config) (string, error) {
	if len(cfg.Domains) == 0 {
		return "", bunkerr.New(bunkerr.Conflict, "no domains configured")
	}
	names := make([]string, 0, len(cfg.Domains))
	for n := range cfg.Domains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names[0], nil
}

const usernameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomUsername() (string, error) {
	b := make([]byte, 10)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(usernameAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = usernameAlphabet[n.Int64()]
	}
	return "user-" + string(b), nil
}
