// Package configstore implements §4.2 Config Store: the single durable
// JSON document holding admin identity, relay lists, encrypted key
// entries, and optional per-domain records.
//
// Reads always re-parse from disk (no in-memory cache beyond process
// boot, per §4.2); writes go through a temp-file-then-rename swap, the
// same symlink-wary, same-directory-tempfile idiom progressdb's
// pkg/state package uses for its own on-disk layout checks. A
// process-wide mutex serializes read-modify-write, per §5's "writers
// must serialize" requirement.
package configstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bunkerd/internal/keystore"
	"bunkerd/internal/shutdown"
)

// Domain is one configured account-creation domain.
type Domain struct {
	IdentityFilePath string `json:"identity_file_path"`
	DefaultProfile   string `json:"default_profile,omitempty"`
	WalletBackend    string `json:"wallet_backend,omitempty"`
}

// Config is the persisted configuration document.
type Config struct {
	SchemaVersion      int                       `json:"schema_version"`
	AdminPubkeys       []string                  `json:"admin_pubkeys"`
	AdminPlaneRelays   []string                  `json:"admin_plane_relays"`
	UserPlaneRelays    []string                  `json:"user_plane_relays"`
	SeedRelays         []string                  `json:"seed_relays,omitempty"`
	AdminPrivateKeyHex string                    `json:"admin_private_key_hex"`
	KeyEntries         map[string]keystore.Entry `json:"key_entries"`
	Domains            map[string]Domain         `json:"domains,omitempty"`
	BaseURL            string                    `json:"base_url,omitempty"`
	NotifyAdminsOnBoot bool                      `json:"notify_admins_on_boot,omitempty"`
	AllowNewKeys       bool                      `json:"allow_new_keys,omitempty"`
}

// Store mediates all reads/writes of the config document at a fixed path.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

func generatePrivateKeyHex() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func defaultDoc() (*Config, error) {
	adminKey, err := generatePrivateKeyHex()
	if err != nil {
		return nil, fmt.Errorf("generate admin key: %w", err)
	}
	return &Config{
		SchemaVersion:      0,
		AdminPubkeys:       []string{},
		AdminPlaneRelays:   []string{},
		UserPlaneRelays:    []string{},
		AdminPrivateKeyHex: adminKey,
		KeyEntries:         map[string]keystore.Entry{},
		Domains:            map[string]Domain{},
	}, nil
}

// Get reads and parses the configuration document. If path is absent, a
// default document (with a freshly generated bunker admin private key)
// is written and returned.
func (s *Store) Get() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked()
}

func (s *Store) getLocked() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", s.path, err)
		}
		doc, derr := defaultDoc()
		if derr != nil {
			return nil, derr
		}
		if werr := s.putLocked(doc); werr != nil {
			return nil, werr
		}
		return doc, nil
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	if cfg.KeyEntries == nil {
		cfg.KeyEntries = map[string]keystore.Entry{}
	}
	if cfg.Domains == nil {
		cfg.Domains = map[string]Domain{}
	}
	return &cfg, nil
}

// Put writes doc atomically, stamping a monotonically increasing
// schema-version field. Write failure is considered unrecoverable
// (§7) and aborts the process.
func (s *Store) Put(doc *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putLocked(doc); err != nil {
		shutdown.Abort("persist config", err)
		return err
	}
	return nil
}

func (s *Store) putLocked(doc *Config) error {
	doc.SchemaVersion++

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}
	if fi, err := os.Lstat(s.path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to write through symlink: %s", s.path)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("marshal config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config file into place: %w", err)
	}
	return nil
}

// ConnectionStringPath returns the sibling connection.txt path for path.
func ConnectionStringPath(path string) string {
	return filepath.Join(filepath.Dir(path), "connection.txt")
}

// WriteConnectionString persists the admin connection string next to the
// config file (§4.6).
func WriteConnectionString(configPath, connStr string) error {
	p := ConnectionStringPath(configPath)
	return os.WriteFile(p, []byte(connStr+"\n"), 0o600)
}
