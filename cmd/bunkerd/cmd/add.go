package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bunkerd/cmd/bunkerd/internal/prompt"
	"bunkerd/internal/configstore"
	"bunkerd/internal/eventcodec"
	"bunkerd/internal/keystore"
)

var addName string

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "interactively add an existing private key to the bunker, encrypted at rest",
	RunE:  runAdd,
}

func init() {
	addCmd.Flags().StringVar(&addName, "name", "", "logical name to store the key under (required)")
	_ = addCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfgStore := configstore.New(configPath)
	cfg, err := cfgStore.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}
	if _, exists := cfg.KeyEntries[addName]; exists {
		fmt.Fprintf(os.Stderr, "a key named %q already exists\n", addName)
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	nsec, err := prompt.Masked(reader, "Private key (hex)")
	if err != nil {
		return err
	}
	if !keystore.IsValidPrivateKeyHex([]byte(nsec)) {
		fmt.Fprintln(os.Stderr, "private key is not a syntactically valid 32-byte hex value")
		os.Exit(1)
	}

	passphrase, err := prompt.Masked(reader, "Passphrase to encrypt it with")
	if err != nil {
		return err
	}
	confirm, err := prompt.Masked(reader, "Confirm passphrase")
	if err != nil {
		return err
	}
	if passphrase == "" || passphrase != confirm {
		fmt.Fprintln(os.Stderr, "passphrases did not match or were empty")
		os.Exit(1)
	}

	codec := eventcodec.Fake{}
	pubkey, err := codec.PubKeyFor(nsec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to derive pubkey: %v\n", err)
		os.Exit(1)
	}

	entry, err := keystore.Encrypt([]byte(nsec), passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encrypt key: %v\n", err)
		os.Exit(1)
	}
	entry.PubKey = pubkey

	if cfg.KeyEntries == nil {
		cfg.KeyEntries = map[string]keystore.Entry{}
	}
	cfg.KeyEntries[addName] = entry
	if err := cfgStore.Put(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Stored key %q (pubkey %s) in %s\n", addName, pubkey, configPath)
	fmt.Println("Run `bunkerd start` and issue admin unlock_key to bring it online.")
	return nil
}
