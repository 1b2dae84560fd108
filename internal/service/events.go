package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"go.uber.org/zap"
)

// SessionSubjectPrefix prefix of the subjects session lifecycle events are published on.
const SessionSubjectPrefix = "calls.session"

// EventPublisher publishes call session lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, session models.CallSession) error
}

// SessionEvent payload of a lifecycle event.
type SessionEvent struct {
	Session    models.CallSession `json:"session"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// SessionSubject subject a session status change is published on.
func SessionSubject(status string) string {
	return fmt.Sprintf("%s.%s", SessionSubjectPrefix, status)
}

// NATSPublisher publishes session events on NATS.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("call-manager"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSPublisher{conn: conn}, nil
}

// Publish sends the session on the subject of its status.
func (p *NATSPublisher) Publish(ctx context.Context, session models.CallSession) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "service.NATSPublisher.Publish")
	defer span.Finish()

	data, err := json.Marshal(SessionEvent{Session: session, OccurredAt: time.Now().UTC()})
	if err != nil {
		err = fmt.Errorf("failed to marshal session event: %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	subject := SessionSubject(session.Status)
	err = p.conn.Publish(subject, data)
	if err != nil {
		err = fmt.Errorf("failed to publish to %s: %w", subject, err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

// Connected reports whether the connection to NATS is up.
func (p *NATSPublisher) Connected() bool {
	return p.conn.IsConnected()
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	err := p.conn.Flush()
	p.conn.Close()
	return err
}
