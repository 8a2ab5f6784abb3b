package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bunkerd/cmd/bunkerd/internal/prompt"
	"bunkerd/internal/configstore"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "interactively register an admin pubkey in the bunkerd configuration",
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfgStore := configstore.New(configPath)
	cfg, err := cfgStore.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	pubkey, err := prompt.Line(reader, "Admin pubkey (hex)")
	if err != nil {
		return err
	}
	if pubkey == "" {
		fmt.Fprintln(os.Stderr, "admin pubkey cannot be empty")
		os.Exit(1)
	}

	for _, existing := range cfg.AdminPubkeys {
		if existing == pubkey {
			fmt.Printf("%s is already a configured admin.\n", pubkey)
			return nil
		}
	}
	cfg.AdminPubkeys = append(cfg.AdminPubkeys, pubkey)

	if prompt.Confirm(reader, "Send the connection string to this admin on boot?") {
		cfg.NotifyAdminsOnBoot = true
	}

	if err := cfgStore.Put(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Registered admin %s in %s\n", pubkey, configPath)
	return nil
}
