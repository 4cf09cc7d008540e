// Package notify fans session events out to external listeners. Delivery is
// fire-and-forget; a failed broadcast never blocks or fails the session
// pipeline that produced it.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
)

// AMQP publishes notifications to a topic exchange. Routing key is
// "<notification type>.<session id>" so consumers can bind per event type,
// per session, or both.
type AMQP struct {
	conn     *amqp091.Connection
	exchange string
}

// NewAMQP dials url and declares the exchange. Exchange name comes from
// AMQP_EXCHANGE, default "whatsapp.bridge".
func NewAMQP(url string) (*AMQP, error) {
	exchange := env.GetEnvStringOrDefault("AMQP_EXCHANGE", "whatsapp.bridge")
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &AMQP{conn: conn, exchange: exchange}, nil
}

func (a *AMQP) Broadcast(n session.Notification) {
	ch, err := a.conn.Channel()
	if err != nil {
		log.Session(n.SessionID).WithError(err).Warn("AMQP channel open failed, notification dropped")
		return
	}
	defer ch.Close()

	body, err := json.Marshal(n)
	if err != nil {
		log.Session(n.SessionID).WithError(err).Warn("AMQP notification marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(ctx, a.exchange, string(n.Type)+"."+n.SessionID, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			MessageId:    uuid.NewString(),
			Timestamp:    n.Timestamp,
			Body:         body,
		})
	if err != nil {
		log.Session(n.SessionID).WithError(err).Warn("AMQP publish failed, notification dropped")
	}
}

func (a *AMQP) Close() error {
	return a.conn.Close()
}
