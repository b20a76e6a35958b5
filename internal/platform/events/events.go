// Package events publishes appointment lifecycle events to a message broker.
// Publishing is best-effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types, also used as routing keys.
const (
	AppointmentBooked        = "appointment.booked"
	AppointmentStatusChanged = "appointment.status_changed"
	AppointmentDeleted       = "appointment.deleted"
)

// Event is the JSON envelope put on the wire.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	TenantID   int64                  `json:"tenant_id"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

// New stamps an event with a fresh id and the current time.
func New(eventType string, tenantID int64, data map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

var errPublisherClosed = errors.New("events: publisher closed")

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one broker connection with its channel. closed fires when the
// broker or the network tears the channel down.
type session struct {
	conn   io.Closer
	ch     channel
	closed <-chan *amqp.Error
}

func (s *session) alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *session) close() {
	_ = s.ch.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

type dialFunc func(url, exchange string) (*session, error)

// AMQPPublisher publishes events to a topic exchange, routed by event type.
// A channel closed by the broker is replaced on the next publish.
type AMQPPublisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	dial     dialFunc
	sess     *session
	shut     bool
}

// DialAMQP connects to the broker and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange, dial: dialSession}
	sess, err := p.dial(url, exchange)
	if err != nil {
		return nil, err
	}
	p.sess = sess
	return p, nil
}

func dialSession(url, exchange string) (*session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	return &session{conn: conn, ch: ch, closed: closed}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	}

	// amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, err := p.session()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	err = sess.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		// The close notification can trail the failed publish; redial once.
		p.drop()
		if sess, err = p.session(); err == nil {
			err = sess.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, msg)
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// session returns a live session, redialing when the current one was closed.
// Callers hold p.mu.
func (p *AMQPPublisher) session() (*session, error) {
	if p.shut {
		return nil, errPublisherClosed
	}
	if p.sess != nil && !p.sess.alive() {
		p.drop()
	}
	if p.sess == nil {
		sess, err := p.dial(p.url, p.exchange)
		if err != nil {
			return nil, fmt.Errorf("reconnect: %w", err)
		}
		p.sess = sess
	}
	return p.sess, nil
}

func (p *AMQPPublisher) drop() {
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shut = true
	if p.sess == nil {
		return nil
	}
	_ = p.sess.ch.Close()
	var err error
	if p.sess.conn != nil {
		err = p.sess.conn.Close()
	}
	p.sess = nil
	return err
}
