package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeway3/chronoretrace/internal/domain"
	"github.com/codeway3/chronoretrace/internal/events"
)

func TestPublisher_QuoteEventFansOut(t *testing.T) {
	hub := newTestHub(t, Config{})
	bus := events.NewBus(zerolog.Nop())
	NewPublisher(hub, bus, zerolog.Nop())

	transport := connectClient(t, hub, "client_001")
	require.NoError(t, hub.Subscribe("client_001", QuoteTopic("AAPL")))
	transport.clientRecvType(t, FrameSubscribeAck, time.Second)

	bus.Emit(events.QuoteReceived, "ingest", domain.Quote{
		Symbol:    "AAPL",
		Price:     150.25,
		Timestamp: time.Now(),
	})

	frame := transport.clientRecvType(t, FrameData, time.Second)
	assert.Equal(t, "stock.AAPL.realtime", frame.Topic)

	var quote domain.Quote
	require.NoError(t, json.Unmarshal(frame.Payload, &quote))
	assert.Equal(t, 150.25, quote.Price)
}

func TestPublisher_IgnoresUnexpectedPayload(t *testing.T) {
	hub := newTestHub(t, Config{})
	bus := events.NewBus(zerolog.Nop())
	NewPublisher(hub, bus, zerolog.Nop())

	// Emitting a non-quote payload must not panic or broadcast.
	bus.Emit(events.QuoteReceived, "ingest", "not a quote")
}

func TestQuoteTopic(t *testing.T) {
	assert.Equal(t, "stock.000001.SZ.realtime", QuoteTopic("000001.SZ"))
}
