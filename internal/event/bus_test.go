package event_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tikoncha/chatwire/internal/event"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := event.NewBus(nil)

	var got []string
	bus.Subscribe("kind", func(any) { got = append(got, "first") })
	bus.Subscribe("kind", func(any) { got = append(got, "second") })

	bus.Emit("kind", nil)
	require.Equal(t, []string{"first", "second"}, got)
}

func TestBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := event.NewBus(nil)

	delivered := false
	bus.Subscribe("kind", func(any) { panic("boom") })
	bus.Subscribe("kind", func(any) { delivered = true })

	bus.Emit("kind", nil)
	require.True(t, delivered)
}

func TestBus_Cancel(t *testing.T) {
	bus := event.NewBus(nil)

	calls := 0
	sub := bus.Subscribe("kind", func(any) { calls++ })

	bus.Emit("kind", nil)
	sub.Cancel()
	sub.Cancel() // idempotent
	bus.Emit("kind", nil)

	require.Equal(t, 1, calls)
}

func TestBus_CancelDuringEmitAffectsNextEmit(t *testing.T) {
	bus := event.NewBus(nil)

	var second *event.Subscription
	secondCalls := 0
	bus.Subscribe("kind", func(any) { second.Cancel() })
	second = bus.Subscribe("kind", func(any) { secondCalls++ })

	// Snapshot semantics: the cancellation lands after the current round.
	bus.Emit("kind", nil)
	require.Equal(t, 1, secondCalls)

	bus.Emit("kind", nil)
	require.Equal(t, 1, secondCalls)
}

func TestBus_EmitUnknownKindIsNoop(t *testing.T) {
	bus := event.NewBus(nil)
	bus.Emit("nobody-listens", 42)
}
