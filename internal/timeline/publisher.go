package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"MetalFlow/internal/observability"
)

const (
	streamName    = "FINANCE_TIMELINE"
	subjectPrefix = "finance.timeline.events"
)

// Connect dials NATS with unlimited reconnects and returns a
// JetStream handle.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// Publisher emits timeline events to a JetStream stream. The event's
// idempotency key is forwarded as Nats-Msg-Id, so the stream's
// duplicate window absorbs replays.
type Publisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, log: log.With().Str("component", "timeline").Logger()}
}

// WithMetrics attaches the dedup counter.
func (p *Publisher) WithMetrics(m *observability.Metrics) *Publisher {
	p.metrics = m
	return p
}

// EnsureStream creates the timeline stream. The duplicate window bounds
// how long broker-side dedup holds a given idempotency key.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 2 * time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create timeline stream: %w", err)
	}
	return nil
}

// Emit publishes one event. Subject: finance.timeline.events.{event_type}.
func (p *Publisher) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}

	subject := subjectPrefix + "." + strings.ToLower(ev.Type)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{"Nats-Msg-Id": []string{ev.IdempotencyKey}},
	}
	ack, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish timeline event %s: %w", ev.Type, err)
	}
	if ack.Duplicate {
		if p.metrics != nil {
			p.metrics.TimelineDeduped.Inc()
		}
		p.log.Debug().Str("event_type", ev.Type).Str("idempotency_key", ev.IdempotencyKey).
			Msg("timeline event deduplicated by stream")
	}
	return nil
}
