package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is where disconnect notifications land. The kind is
// appended, e.g. roomcast.presence.disconnect.performer.
const DefaultSubjectPrefix = "roomcast.presence"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

var (
	_ ports.PresencePublisher = (*NATSPublisher)(nil)
	_ ports.PresencePublisher = (*LogPublisher)(nil)
)

// NATSPublisher announces that a principal went offline on a NATS subject
// per principal kind.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *zap.SugaredLogger
}

func NewNATSPublisher(conn Conn, prefix string, logger *zap.SugaredLogger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func (p *NATSPublisher) Subject(kind domain.PrincipalKind) string {
	return p.prefix + ".disconnect." + string(kind)
}

func (p *NATSPublisher) PublishDisconnect(ctx context.Context, n domain.PresenceNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := p.Subject(n.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debugw("published disconnect",
		"subject", subject,
		"principal_id", n.PrincipalID,
	)
	return nil
}

// Flush waits until the server has seen everything published so far.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	return p.conn.FlushWithContext(ctx)
}

// LogPublisher only logs notifications. It is used when no event backend
// is configured.
type LogPublisher struct {
	logger *zap.SugaredLogger
}

func NewLogPublisher(logger *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishDisconnect(ctx context.Context, n domain.PresenceNotification) error {
	p.logger.Infow("principal offline",
		"principal_id", n.PrincipalID,
		"kind", n.Kind,
		"at", n.At,
	)
	return nil
}
