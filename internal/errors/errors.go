package errors

import "errors"

// Decryption errors. These are recorded per event in error maps rather
// than thrown; callers decide whether and when to surface them.
var (
	ErrNoSession            = errors.New("no session to decrypt with")
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")
)

// Storage errors.
var (
	ErrStoreNotDeclared = errors.New("store not declared on transaction")
	ErrTxnReadOnly      = errors.New("write attempted on read-only transaction")
)

// Component lifecycle errors.
var (
	ErrDisposed = errors.New("component is disposed")
)

// Server/transport errors.
var (
	ErrNotFound    = errors.New("not found on server")
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
