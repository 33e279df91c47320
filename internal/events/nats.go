package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"go-planrun/pkg/logger"
)

// Forwarder republishes bus events onto NATS subjects of the form
// "<prefix>.<kind>", e.g. "planrun.plan.completed".
type Forwarder struct {
	conn   *nats.Conn
	prefix string
}

func NewForwarder(url, prefix string) (*Forwarder, error) {
	conn, err := nats.Connect(url, nats.Name("planrun-events"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Forwarder{conn: conn, prefix: prefix}, nil
}

// Run consumes the bus until ctx is done or the subscription closes.
func (f *Forwarder) Run(ctx context.Context, bus *Bus) {
	l := log.With().Str(logger.ComponentField, "events").Logger()
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				l.Error().Err(err).Msg("marshal event")
				continue
			}
			subject := fmt.Sprintf("%s.%s", f.prefix, e.Kind)
			if err := f.conn.Publish(subject, payload); err != nil {
				l.Error().Err(err).Str("subject", subject).Msg("publish event")
			}
		}
	}
}

func (f *Forwarder) Close() {
	f.conn.Drain() //nolint:errcheck
}
