// Package token obtains bearer tokens from the identity endpoint and tracks
// them as token leases.
//
// A token lease is keyed by login and issuance second. While any lease of a
// group is younger than the validity window, Acquire reuses one of them
// instead of calling the identity endpoint. Release only removes a lease
// once it has aged out, so a token can serve several downloads.
//
// # Usage
//
//	mgr, err := token.NewManager(token.Options{
//	    Store:       store,
//	    Client:      client,
//	    IdentityURL: cfg.IdentityURL,
//	    ClientID:    cfg.ClientID,
//	    Accounts:    cfg.Accounts,
//	    Validity:    cfg.TokenValidity,
//	})
//
//	tok, err := mgr.Acquire(ctx, "logins", "alice@example.com")
//	defer mgr.Release(ctx, tok)
package token
