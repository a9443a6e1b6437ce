// Package requestcontext provides HTTP-independent accessors for
// request-scoped values.
//
// Middleware sets these values; services read them. Keeping the package free
// of net/http lets services and workers consume actor identity and client
// metadata without pulling in transport code, and lets tests inject values
// directly:
//
//	ctx = requestcontext.WithActorID(ctx, actorID)
//	ctx = requestcontext.WithClientMetadata(ctx, "203.0.113.9", "Mozilla/5.0")
package requestcontext

import (
	"context"

	id "attest/pkg/domain"
)

type (
	actorIDKey    struct{}
	clientIPKey   struct{}
	userAgentKey  struct{}
	requestIDKey  struct{}
	permissionKey struct{}
)

// ActorID retrieves the authenticated actor from the context.
// Returns the zero value for system-originated work with no actor.
func ActorID(ctx context.Context) id.ActorID {
	if actor, ok := ctx.Value(actorIDKey{}).(id.ActorID); ok {
		return actor
	}
	return id.ActorID{}
}

// WithActorID injects the authenticated actor into the context.
func WithActorID(ctx context.Context, actor id.ActorID) context.Context {
	return context.WithValue(ctx, actorIDKey{}, actor)
}

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the client user agent description from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(userAgentKey{}).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and user agent into a context.
// Useful for service unit tests that don't run the HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, clientIP)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

// RequestID retrieves the correlation ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a correlation ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// PermissionDecision is the caller-supplied authorization result. The core
// trusts but audits the decision; it never computes permissions itself.
type PermissionDecision struct {
	Granted bool
	Policy  string
}

// Permission retrieves the caller-supplied permission decision, defaulting
// to denied when absent.
func Permission(ctx context.Context) PermissionDecision {
	if p, ok := ctx.Value(permissionKey{}).(PermissionDecision); ok {
		return p
	}
	return PermissionDecision{}
}

// WithPermission injects the caller-supplied permission decision.
func WithPermission(ctx context.Context, p PermissionDecision) context.Context {
	return context.WithValue(ctx, permissionKey{}, p)
}
