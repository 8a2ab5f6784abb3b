package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"bunkerd/internal/acl"
	"bunkerd/internal/adminplane"
	"bunkerd/internal/authz"
	"bunkerd/internal/banner"
	"bunkerd/internal/configstore"
	"bunkerd/internal/debughttp"
	"bunkerd/internal/eventcodec"
	"bunkerd/internal/keystore"
	"bunkerd/internal/ledger"
	"bunkerd/internal/liveness"
	"bunkerd/internal/logger"
	"bunkerd/internal/retention"
	"bunkerd/internal/shutdown"
	"bunkerd/internal/store"
	"bunkerd/internal/transport"
	"bunkerd/internal/userplane"
	"bunkerd/internal/wallet"
	"bunkerd/internal/webapproval"
)

var (
	startVerbose   bool
	startKeys      []string
	startAdmins    []string
	startWebAddr   string
	startDebugAddr string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the bunker, serving the admin and user RPC planes",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startVerbose, "verbose", false, "enable debug-level logging")
	startCmd.Flags().StringArrayVar(&startKeys, "key", nil, "whitelist a stored key name that unlock_key may target (repeatable); omit to allow any stored key")
	startCmd.Flags().StringArrayVar(&startAdmins, "admin", nil, "an admin pubkey to merge into the configured admin set (repeatable)")
	startCmd.Flags().StringVar(&startWebAddr, "web-addr", ":8081", "listen address for the web-approval listener (used only when base_url is configured)")
	startCmd.Flags().StringVar(&startDebugAddr, "debug-addr", ":9090", "listen address for the /metrics and /healthz debug listener")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")

	if startVerbose {
		_ = os.Setenv("BUNKERD_LOG_LEVEL", "debug")
	}
	logger.Init()

	cfgStore := configstore.New(configPath)
	cfg, err := cfgStore.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}

	admins := mergeAdmins(cfg.AdminPubkeys, startAdmins, os.Getenv("ADMIN_NPUBS"))
	if !sameSet(admins, cfg.AdminPubkeys) {
		cfg.AdminPubkeys = admins
		if err := cfgStore.Put(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to persist merged admin set: %v\n", err)
			os.Exit(1)
		}
	}

	dbPath := filepath.Join(filepath.Dir(configPath), "db")
	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store at %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer db.Close()

	aclStore := acl.New(db)
	led := ledger.New(db)
	ks := keystore.New()
	codec := eventcodec.Fake{} // placeholder for the real protocol's signature/encryption primitives (§1, §6)

	// The concrete relay client is an external collaborator (§1, §6): no
	// retrieved example repo carries a relay websocket dependency for
	// this protocol, so bunkerd runs against the in-memory Transport
	// double every other package already tests against. A production
	// deployment substitutes a real relay client behind the same
	// transport.Transport interface.
	tr := transport.NewMemory()

	engine := authz.New(aclStore, led, tr, cfgStore)

	adminPlane := &adminplane.Plane{
		Keystore:    ks,
		Config:      cfgStore,
		ACL:         aclStore,
		Authz:       engine,
		Transport:   tr,
		Codec:       codec,
		Wallet:      wallet.None{},
		ConfigPath:  configPath,
		AllowedKeys: startKeys,
	}
	userPlane := userplane.New(ks, engine, codec, tr, adminPlane)
	adminPlane.OnKeyInstalled = func(keyName string) {
		userPlane.WatchKey(context.Background(), keyName)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	sweeper := retention.New(led, aclStore, "")
	if err := sweeper.Start(ctx); err != nil {
		logger.Warn("retention_start_failed", "err", err)
	}

	adminPubkey, err := codec.PubKeyFor(cfg.AdminPrivateKeyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to derive admin pubkey: %v\n", err)
		os.Exit(1)
	}
	go liveness.New(tr, adminPubkey).Run(ctx)

	if cfg.BaseURL != "" {
		web := webapproval.New(led, startWebAddr)
		go func() {
			if err := web.Run(ctx); err != nil {
				logger.Warn("web_approval_listener_stopped", "err", err)
			}
		}()
	}

	debug := debughttp.New(startDebugAddr, ks)
	go func() {
		if err := debug.Run(ctx); err != nil {
			logger.Warn("debug_listener_stopped", "err", err)
		}
	}()

	userPlane.WatchAll(ctx)

	connStr := adminplane.ConnectionString(adminPubkey, cfg.AdminPlaneRelays)
	banner.Print(connStr, configPath, ks.Count())

	return adminPlane.Run(ctx)
}

// mergeAdmins combines the persisted admin set with --admin flags and
// the comma-separated ADMIN_NPUBS environment variable (§6), de-duping
// and sorting for a stable comparison against the persisted set.
func mergeAdmins(existing, flags []string, envVar string) []string {
	set := map[string]bool{}
	for _, a := range existing {
		set[a] = true
	}
	for _, a := range flags {
		if a = strings.TrimSpace(a); a != "" {
			set[a] = true
		}
	}
	for _, a := range strings.Split(envVar, ",") {
		if a = strings.TrimSpace(a); a != "" {
			set[a] = true
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sortedA := append([]string(nil), a...)
	sortedB := append([]string(nil), b...)
	sort.Strings(sortedA)
	sort.Strings(sortedB)
	for i := range sortedA {
		if sortedA[i] != sortedB[i] {
			return false
		}
	}
	return true
}
