package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/notification"
)

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher forwards events to NATS on <prefix>.<event type>.
type Publisher struct {
	conn   conn
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// Connect dials NATS with reconnect handling and returns a publisher.
func Connect(url, prefix string, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "natsbus").Logger()
	nc, err := nats.Connect(url,
		nats.Name("majisafe-server"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := newPublisher(nc, prefix, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, logger zerolog.Logger) *Publisher {
	return &Publisher{conn: c, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t notification.EventType) string {
	return p.prefix + "." + strings.ToLower(string(t))
}

func (p *Publisher) Publish(ctx context.Context, ev *notification.Event) error {
	_ = ctx
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish message to NATS: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("NATS drain failed")
		p.nc.Close()
	}
}
