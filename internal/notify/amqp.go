package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
)

// AMQPConfig names the exchange completion events are published to.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Heartbeat  time.Duration
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// CompletionEvent is the body of a published completion message.
type CompletionEvent struct {
	ComicID     string           `json:"comic_id"`
	Status      domain.JobStatus `json:"status"`
	Title       string           `json:"title"`
	Pages       int              `json:"pages"`
	CompletedAt time.Time        `json:"completed_at"`
}

// AMQPPublisher publishes a CompletionEvent to a topic exchange.
type AMQPPublisher struct {
	cfg     AMQPConfig
	conn    *amqp.Connection
	mu      sync.Mutex
	channel publishChannel
	logger  infra.Logger
}

// DialAMQP connects and declares the exchange.
func DialAMQP(cfg AMQPConfig, logger infra.Logger) (*AMQPPublisher, error) {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	p := newAMQPPublisher(cfg, ch, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(cfg AMQPConfig, ch publishChannel, logger infra.Logger) *AMQPPublisher {
	return &AMQPPublisher{cfg: cfg, channel: ch, logger: infra.Component(logger, "amqp")}
}

func (p *AMQPPublisher) Notify(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(CompletionEvent{
		ComicID:     job.ID,
		Status:      job.Status,
		Title:       job.Title,
		Pages:       len(job.Items),
		CompletedAt: job.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode completion event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
