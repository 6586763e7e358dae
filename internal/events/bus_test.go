package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []Event
	bus.Subscribe(QuoteReceived, func(e Event) { got = append(got, e) })
	bus.Subscribe(QuoteReceived, func(e Event) { got = append(got, e) })
	bus.Subscribe(CacheDegraded, func(e Event) { t.Fatal("wrong event type delivered") })

	bus.Emit(QuoteReceived, "test", 42)

	require.Len(t, got, 2)
	assert.Equal(t, QuoteReceived, got[0].Type)
	assert.Equal(t, "test", got[0].Source)
	assert.Equal(t, 42, got[0].Data)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBus_EmitWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.Emit(QuoteReceived, "test", nil)
}

func TestBus_PanickingHandlerDoesNotAffectOthers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	delivered := false
	bus.Subscribe(QuoteReceived, func(e Event) { panic("boom") })
	bus.Subscribe(QuoteReceived, func(e Event) { delivered = true })

	bus.Emit(QuoteReceived, "test", nil)

	assert.True(t, delivered)
}
