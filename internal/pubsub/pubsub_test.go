package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestNoopBus(t *testing.T) {
	bus := NewNoopBus()
	ctx := context.Background()

	if err := bus.Connect(ctx); err != nil {
		t.Errorf("Connect() error = %v, want nil", err)
	}
	if bus.IsConnected() {
		t.Error("IsConnected() = true, want false")
	}

	err := bus.Publish(ctx, &Envelope{Kind: KindDelta, DocumentID: "doc1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}

	called := false
	if err := bus.Subscribe(ctx, "doc1", func(*Envelope) { called = true }); err != nil {
		t.Errorf("Subscribe() error = %v, want nil", err)
	}
	if called {
		t.Error("noop subscription fired a handler")
	}
	if err := bus.Unsubscribe(ctx, "doc1"); err != nil {
		t.Errorf("Unsubscribe() error = %v, want nil", err)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{
			name: "delta envelope",
			env: Envelope{
				NodeID:     "node-1",
				Kind:       KindDelta,
				DocumentID: "doc1",
				Payload:    json.RawMessage(`{"id":"d1","vectorClock":{"a":1}}`),
			},
		},
		{
			name: "awareness envelope",
			env: Envelope{
				NodeID:     "node-2",
				Kind:       KindAwareness,
				DocumentID: "doc2",
				Payload:    json.RawMessage(`{"clientId":"alice","state":null,"clock":3}`),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(&tt.env)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var got Envelope
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.env) {
				t.Errorf("round trip = %+v, want %+v", got, tt.env)
			}
		})
	}
}
