package billing

import (
	"context"

	"github.com/flowmerce/flowmerce/internal/store"
)

type subscriptionKey struct{}

// WithSubscription attaches the subscription the gate loaded for this request.
func WithSubscription(ctx context.Context, sub *store.Subscription) context.Context {
	return context.WithValue(ctx, subscriptionKey{}, sub)
}

// SubscriptionFrom returns the subscription attached by WithSubscription, if any.
func SubscriptionFrom(ctx context.Context) *store.Subscription {
	sub, _ := ctx.Value(subscriptionKey{}).(*store.Subscription)
	return sub
}
