package httpapi

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const authActorKey contextKey = "authActor"

// AuthActor is the authenticated wallet actor attached to a request.
type AuthActor struct {
	Address   string
	SessionID uuid.UUID
}

func withAuthActor(ctx context.Context, a *AuthActor) context.Context {
	return context.WithValue(ctx, authActorKey, a)
}

func authActorFromContext(ctx context.Context) *AuthActor {
	a, _ := ctx.Value(authActorKey).(*AuthActor)
	return a
}
