// Package banner prints the startup banner, adapted from progressdb's
// pkg/banner — swapping DB path/version for the connection string and
// unlocked-key count that matter for an operator starting a bunker.
package banner

import "fmt"

const art = `
██████╗ ██╗   ██╗███╗   ██╗██╗  ██╗███████╗██████╗ ██████╗
██╔══██╗██║   ██║████╗  ██║██║ ██╔╝██╔════╝██╔══██╗██╔══██╗
██████╔╝██║   ██║██╔██╗ ██║█████╔╝ █████╗  ██████╔╝██║  ██║
██╔══██╗██║   ██║██║╚██╗██║██╔═██╗ ██╔══╝  ██╔══██╗██║  ██║
██████╔╝╚██████╔╝██║ ╚████║██║  ██╗███████╗██║  ██║██████╔╝
╚═════╝  ╚═════╝ ╚═╝  ╚═══╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═════╝
`

// Print writes the startup banner with the admin connection string, the
// number of keys unlocked at boot, and the config path in use.
func Print(connectionString, configPath string, unlockedKeys int) {
	fmt.Print(art)
	fmt.Println("== bunkerd ====================================================")
	fmt.Printf("Config:       %s\n", configPath)
	fmt.Printf("Unlocked:     %d key(s)\n", unlockedKeys)
	if connectionString != "" {
		fmt.Printf("Connection:   %s\n", connectionString)
	}
	fmt.Println("================================================================")
}
