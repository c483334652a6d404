package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// publisher is the subset of *nats.Conn the notifier needs.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes notifications to a subject with Nats-Msg-Id set to the
// transaction identifier so JetStream streams deduplicate redeliveries.
type NATSNotifier struct {
	conn    publisher
	subject string
	now     func() time.Time
	logger  zerolog.Logger
}

// DialNATS connects to url and returns a notifier publishing on subject. The
// returned connection must be drained by the caller on shutdown.
func DialNATS(url, subject, name string, logger zerolog.Logger) (*NATSNotifier, *nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSNotifier(conn, subject, logger), conn, nil
}

// NewNATSNotifier wraps an existing connection.
func NewNATSNotifier(conn publisher, subject string, logger zerolog.Logger) *NATSNotifier {
	if subject == "" {
		subject = "stablepay.notifications"
	}
	return &NATSNotifier{
		conn:    conn,
		subject: subject,
		now:     time.Now,
		logger:  logger.With().Str("component", "notify_nats").Logger(),
	}
}

// Notify publishes the JSON payload.
func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(toPayload(note, n.now()))
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if note.TxIdentifier != "" {
		msg.Header.Set(nats.MsgIdHdr, note.TxIdentifier)
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish nats message: %w", err)
	}

	n.logger.Debug().Str("subject", n.subject).Str("tx", note.TxIdentifier).Msg("notification published")
	return nil
}

var _ Notifier = (*NATSNotifier)(nil)
