// Package authadapter defines the pluggable authentication boundary the
// proxy engine and the management plane share.
package authadapter

import (
	"context"
	"net/http"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

// Adapter authenticates inbound requests and issues/revokes tokens.
// The dataplane picks one adapter per process: "local" (RS256 JWT
// issued and verified against a secret provider) or "k8s_sa" (a pure
// verifier of externally-issued tokens against a remote JWKS). Pure
// verifiers fail IssueToken/RevokeToken with an unsupported error.
// The management plane's user/bootstrap/login surface binds to the
// concrete local adapter, which carries those extra capabilities.
type Adapter interface {
	// Authenticate extracts and verifies credentials from r, returning
	// nil (not an error) when the request carries no usable credential.
	Authenticate(ctx context.Context, r *http.Request) (*model.AuthContext, error)

	IssueToken(ctx context.Context, subject, role string, ttlSeconds int) (string, error)
	RevokeToken(ctx context.Context, tokenID string) error
}
