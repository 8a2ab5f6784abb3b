// Package wallet states the contract for the wallet provisioning HTTP
// client, an external collaborator (§1) the Admin Plane's create_account
// handler calls when a domain has a wallet backend configured. No
// concrete lightning backend is implemented here.
package wallet

import "context"

// Provisioner provisions a wallet for a newly created account.
type Provisioner interface {
	// Provision asks backend to create a wallet for username@domain,
	// bound to pubkey. It returns a backend-specific connection
	// string/LNURL the account owner can use, or an error.
	Provision(ctx context.Context, backend, username, domain, pubkey string) (string, error)
}

// None is a no-op Provisioner for domains with no wallet_backend configured.
type None struct{}

func (None) Provision(ctx context.Context, backend, username, domain, pubkey string) (string, error) {
	return "", nil
}

var _ Provisioner = None{}
