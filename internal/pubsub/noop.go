package pubsub

import "context"

// NoopBus is the single-node bus. It never connects; publishes report
// ErrNotConnected and subscriptions are accepted and never fire.
type NoopBus struct{}

// NewNoopBus returns the single-node bus.
func NewNoopBus() *NoopBus { return &NoopBus{} }

func (*NoopBus) Connect(ctx context.Context) error    { return nil }
func (*NoopBus) Disconnect(ctx context.Context) error { return nil }
func (*NoopBus) IsConnected() bool                    { return false }
func (*NoopBus) HealthCheck(ctx context.Context) error {
	return nil
}

func (*NoopBus) Publish(ctx context.Context, env *Envelope) error {
	return ErrNotConnected
}

func (*NoopBus) Subscribe(ctx context.Context, documentID string, handler Handler) error {
	return nil
}

func (*NoopBus) Unsubscribe(ctx context.Context, documentID string) error {
	return nil
}
