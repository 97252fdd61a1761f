package notify

import "context"

// Handler processes one notification type. For synchronous envelopes the
// returned value is encoded as the reply's response.
type Handler interface {
	HandleNotification(ctx context.Context, env *Envelope) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, env *Envelope) (any, error)

func (f HandlerFunc) HandleNotification(ctx context.Context, env *Envelope) (any, error) {
	return f(ctx, env)
}
