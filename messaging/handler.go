package messaging

import "context"

// Handler processes one request payload and returns the reply. The reply
// is encoded with the server's codec; handlers usually return a
// *contracts.Response built from contracts.NewResponse.
//
// Handle runs on the subscription's delivery goroutine. It must not call
// Server.Shutdown or Server.Unsubscribe directly, since both wait for that
// goroutine to finish; start them in a new goroutine instead.
type Handler interface {
	Handle(ctx context.Context, payload []byte) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, payload []byte) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, payload []byte) (any, error) {
	return f(ctx, payload)
}
