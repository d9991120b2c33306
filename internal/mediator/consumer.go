package mediator

import "context"

type contextKey int

const consumerCtxKey contextKey = iota

// WithConsumer attaches an authenticated consumer to ctx.
func WithConsumer(ctx context.Context, c *Consumer) context.Context {
	return context.WithValue(ctx, consumerCtxKey, c)
}

// ConsumerFromContext returns the consumer attached by WithConsumer, or nil.
func ConsumerFromContext(ctx context.Context) *Consumer {
	c, _ := ctx.Value(consumerCtxKey).(*Consumer)
	return c
}

// ResolveConsumer fails when upstream authentication attached no identity.
func ResolveConsumer(c *Consumer) (Consumer, *Error) {
	if c == nil || c.ID == "" {
		return Consumer{}, errAuthenticationRequired()
	}
	return *c, nil
}
