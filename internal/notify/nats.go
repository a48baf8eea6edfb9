package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn used by NATS
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes notifications as JSON to <prefix>.<channel>
type NATS struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	now    func() time.Time
}

// NewNATS wraps an existing publisher
func NewNATS(pub Publisher, prefix string) *NATS {
	return &NATS{pub: pub, prefix: prefix, now: time.Now}
}

// ConnectNATS dials the server and reconnects forever
func ConnectNATS(url, prefix string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("bulwark"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	n := NewNATS(nc, prefix)
	n.conn = nc
	return n, nil
}

// Subject returns the subject a channel publishes to
func (n *NATS) Subject(channel string) string {
	if n.prefix == "" {
		return channel
	}
	return n.prefix + "." + channel
}

// Notify publishes the message
func (n *NATS) Notify(ctx context.Context, channel, severity, message string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(Message{
		Channel:  channel,
		Severity: severity,
		Message:  message,
		Metadata: metadata,
		SentAt:   n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.pub.Publish(n.Subject(channel), body); err != nil {
		return fmt.Errorf("publish notification to %s: %w", n.Subject(channel), err)
	}
	return nil
}

// Close drains the connection opened by ConnectNATS
func (n *NATS) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
