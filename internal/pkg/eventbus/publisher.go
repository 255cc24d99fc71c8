// Package eventbus publishes subscription change notifications to RabbitMQ.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/billingfox/internal/pkg/billing"
	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange   = "billing.events"
	DefaultRoutingKey = "subscription.changed"
)

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// LoadConfig reads AMQP settings. An empty AMQP_URL disables publishing.
func LoadConfig() Config {
	return Config{
		URL:        strings.TrimSpace(env.GetEnv("AMQP_URL", "")),
		Exchange:   env.GetEnv("AMQP_EXCHANGE", DefaultExchange),
		RoutingKey: env.GetEnv("AMQP_ROUTING_KEY", DefaultRoutingKey),
	}
}

func (c Config) IsEnabled() bool {
	return c.URL != ""
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends JSON change notifications to a durable topic exchange.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel amqpChannel
	reopen  func() (amqpChannel, error)
	cfg     Config
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(cfg Config) (*Publisher, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	p, err := newPublisher(ch, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	p.reopen = func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	log.Infof("[EventBus] Publishing subscription changes to exchange %s", cfg.Exchange)
	return p, nil
}

func newPublisher(ch amqpChannel, cfg Config) (*Publisher, error) {
	if err := declare(ch, cfg.Exchange); err != nil {
		return nil, err
	}
	return &Publisher{channel: ch, cfg: cfg}, nil
}

func declare(ch amqpChannel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

// PublishSubscriptionChanged publishes n, reopening the channel once on failure.
func (p *Publisher) PublishSubscriptionChanged(ctx context.Context, n billing.ChangeNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    n.EventID,
		Type:         n.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, msg)
	if err == nil || p.reopen == nil {
		return err
	}

	log.Warnf("[EventBus] Publish failed, reopening channel: %v", err)
	if closeErr := p.channel.Close(); closeErr != nil {
		log.Debugf("[EventBus] Closing failed channel: %v", closeErr)
	}
	ch, chErr := p.reopen()
	if chErr != nil {
		return fmt.Errorf("publish %s: %w", n.EventID, err)
	}
	p.channel = ch
	if err := declare(ch, p.cfg.Exchange); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, msg)
}

// Close closes the channel and connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
