// Command bunkerd is the remote signing bunker: it custodies encrypted
// private keys and mediates every signing/encryption/account-creation
// operation over a relay-transported RPC protocol, subject to a
// per-key, per-user, per-method access-control policy.
package main

import "bunkerd/cmd/bunkerd/cmd"

func main() {
	cmd.Execute()
}
