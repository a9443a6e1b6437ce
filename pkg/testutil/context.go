package testutil

import (
	"context"

	id "attest/pkg/domain"
	"attest/pkg/requestcontext"
)

// SigningContext builds a context carrying the request-scoped values a signing
// operation expects, without running the HTTP middleware chain.
func SigningContext(actor id.ActorID) context.Context {
	ctx := requestcontext.WithActorID(context.Background(), actor)
	ctx = requestcontext.WithClientMetadata(ctx, "198.51.100.7", "integration-test/1.0")
	ctx = requestcontext.WithRequestID(ctx, "test-request")
	return requestcontext.WithPermission(ctx, requestcontext.PermissionDecision{
		Granted: true,
		Policy:  "test-policy",
	})
}
