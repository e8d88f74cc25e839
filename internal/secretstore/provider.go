// Package secretstore defines the secret provider abstraction: the
// source of truth for JWT signing keys, password hashes, and revoked
// token state.
package secretstore

import "context"

// ErrNotFound is returned by Get when path has no stored secret.
var ErrNotFound = notFoundErr{}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "secret not found" }

// Provider is the storage backend for the auth adapter's key material,
// user records, and revocation list. Payloads are opaque JSON-shaped
// maps; the provider never interprets their contents.
type Provider interface {
	Get(ctx context.Context, path string) (map[string]any, error)
	Put(ctx context.Context, path string, payload map[string]any) error
	Delete(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
