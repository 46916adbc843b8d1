package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
)

// DefaultQueue is where mail jobs wait for the delivery worker.
const DefaultQueue = "mail.outgoing"

// AMQPSender publishes mail jobs to a durable RabbitMQ queue. A worker
// outside this service drains the queue and talks SMTP.
//
// WHY PUBLISHER CONFIRMS?
// Send returning nil must mean the broker has the job on disk. Without
// confirms a publish only means the bytes left our socket.
type AMQPSender struct {
	url    string
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSender dials the broker and declares the queue. An empty queue
// name uses DefaultQueue.
func NewAMQPSender(url, queue string, logger *slog.Logger) (*AMQPSender, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AMQPSender{url: url, queue: queue, logger: logger}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// connect must be called with mu held, or before s is shared.
func (s *AMQPSender) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("mail: dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mail: opening channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("mail: enabling confirms: %w", err)
	}
	if _, err := ch.QueueDeclare(
		s.queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		_ = conn.Close()
		return fmt.Errorf("mail: declaring queue %s: %w", s.queue, err)
	}
	s.conn, s.ch = conn, ch
	return nil
}

func (s *AMQPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mail: encoding job: %w", err)
	}

	// One publish at a time: confirms are matched to publishes by sequence
	// number on the channel.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil || s.ch.IsClosed() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.logger.WarnContext(ctx, "mail broker channel closed, reconnecting")
		if err := s.connect(); err != nil {
			return err
		}
	}

	dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange
		s.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    xid.New().String(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("mail: publishing: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("mail: waiting for confirm: %w", err)
	}
	if !acked {
		return errors.New("mail: broker rejected message")
	}
	return nil
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.ch = nil, nil
	return err
}
