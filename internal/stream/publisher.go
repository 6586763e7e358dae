package stream

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/codeway3/chronoretrace/internal/domain"
	"github.com/codeway3/chronoretrace/internal/events"
)

// Publisher bridges the internal quote event channel onto topic
// broadcasts. Ingestion adapters emit QuoteReceived events; every session
// subscribed to the matching topic receives a data frame.
type Publisher struct {
	hub *Hub
	log zerolog.Logger
}

// NewPublisher subscribes the hub to quote events on the bus.
func NewPublisher(hub *Hub, bus *events.Bus, log zerolog.Logger) *Publisher {
	p := &Publisher{
		hub: hub,
		log: log.With().Str("component", "stream_publisher").Logger(),
	}
	bus.Subscribe(events.QuoteReceived, p.onQuote)
	return p
}

// QuoteTopic names the realtime topic for a symbol.
func QuoteTopic(symbol string) string {
	return fmt.Sprintf("stock.%s.realtime", symbol)
}

func (p *Publisher) onQuote(event events.Event) {
	quote, ok := event.Data.(domain.Quote)
	if !ok {
		p.log.Warn().Str("source", event.Source).Msg("Quote event carried unexpected payload type")
		return
	}
	sent := p.hub.BroadcastToTopic(QuoteTopic(quote.Symbol), quote)
	if sent > 0 {
		p.log.Debug().Str("symbol", quote.Symbol).Int("sent", sent).Msg("Quote broadcast")
	}
}
