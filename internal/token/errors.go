package token

import "errors"

var (
	// ErrExchangeFailed indicates the credential exchange call failed,
	// either on the network or because the backend rejected the identity
	// credential.
	ErrExchangeFailed = errors.New("credential exchange failed")
	// ErrNoIdentity indicates the service was used before Initialize.
	ErrNoIdentity = errors.New("no identity credential")
)
