package pyth

import "errors"

var (
	// ErrNotLoaded indicates an accessor was used before the underlying
	// accounts were fetched from the node.
	ErrNotLoaded = errors.New("accounts not loaded")

	// ErrMissingAccount indicates a program scan did not include an account
	// the mapping or price chains reference.
	ErrMissingAccount = errors.New("account missing from program scan")
)
