// Package reqctx carries per-request scope through context.Context.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

// Scope describes who triggered a unit of work.
type Scope struct {
	RequestID string
	// Interactive is true when a staff member is waiting on the result.
	Interactive bool
	// ReverseFee asks a refund to also reverse the non-return fee charge.
	ReverseFee bool
	// Source names the trigger, such as a webhook path or job name.
	Source string
}

type scopeKey struct{}

// With returns ctx carrying s. An empty RequestID is filled in.
func With(ctx context.Context, s Scope) context.Context {
	if s.RequestID == "" {
		s.RequestID = uuid.NewString()
	}
	return context.WithValue(ctx, scopeKey{}, s)
}

// From returns the scope in ctx, or the zero Scope.
func From(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// Interactive reports whether ctx belongs to an interactive request.
func Interactive(ctx context.Context) bool {
	return From(ctx).Interactive
}
