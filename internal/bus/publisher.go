package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-sign/internal/protocol"
)

// Publisher forwards session events to the bus, one subject per event type.
type Publisher struct {
	client *Client
	log    *slog.Logger
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{
		client: client,
		log:    client.Logger().With(slog.String("component", "event-publisher")),
	}
}

// Emit publishes evt without waiting for delivery. Failures are logged.
func (p *Publisher) Emit(evt protocol.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Error("failed to encode event", slog.String("type", evt.Type), slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(protocol.EventSubject(evt.Type), data); err != nil {
		p.log.Warn("failed to publish event", slog.String("type", evt.Type), slog.String("error", err.Error()))
	}
}
