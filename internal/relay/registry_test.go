package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ExactAndWildcard(t *testing.T) {
	reg := NewRegistry()

	var got []string
	record := func(name string) Handler {
		return HandlerFunc(func(ctx context.Context, e Event) error {
			got = append(got, name)
			return nil
		})
	}

	reg.Register("orders/create", record("exact"))
	reg.Register("orders/*", record("wildcard"))

	// Exact beats wildcard.
	err := reg.Handle(context.Background(), Event{Topic: "orders/create"})
	require.NoError(t, err)
	assert.Equal(t, []string{"exact"}, got)

	// Other order events fall through to the resource wildcard.
	got = nil
	err = reg.Handle(context.Background(), Event{Topic: "orders/cancelled"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wildcard"}, got)
}

func TestRegistry_UnroutableTopicIsPermanent(t *testing.T) {
	reg := NewRegistry()

	err := reg.Handle(context.Background(), Event{Topic: "misc/foo"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRegistry_HandlerErrorPropagates(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("downstream unavailable")
	reg.Register("products/update", HandlerFunc(func(ctx context.Context, e Event) error {
		return boom
	}))

	err := reg.Handle(context.Background(), Event{Topic: "products/update"})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsPermanent(err), "plain errors are transient")
}

func TestDeriveEventID(t *testing.T) {
	payload := []byte(`{"id":123}`)

	a := DeriveEventID("shop-a", "orders/create", payload)
	b := DeriveEventID("shop-a", "orders/create", payload)
	assert.Equal(t, a, b, "derivation must be stable across redeliveries")

	// Any stable field changing produces a distinct id.
	assert.NotEqual(t, a, DeriveEventID("shop-b", "orders/create", payload))
	assert.NotEqual(t, a, DeriveEventID("shop-a", "orders/updated", payload))
	assert.NotEqual(t, a, DeriveEventID("shop-a", "orders/create", []byte(`{"id":124}`)))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsPermanent(Permanent("bad payload", nil)))
	assert.True(t, IsPermanent(Permanent("wrapped", errors.New("cause"))))
	assert.False(t, IsPermanent(errors.New("timeout")))

	ce := &CircuitOpenError{Key: "tenant:a:rest:GET:/orders", RetryAt: time.Now()}
	assert.True(t, IsCircuitOpen(ce))
	assert.False(t, IsCircuitOpen(errors.New("other")))
	assert.Contains(t, ce.Error(), "tenant:a:rest:GET:/orders")
}
