package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentfactory/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/rabbitmq/amqp091-go"
)

const (
	DefaultBlockExchange = "agentfactory.blocks"
	blockActionBlock     = "block"
	blockActionUnblock   = "unblock"
)

// BlockMessage is what edge enforcers consume from the block exchange.
type BlockMessage struct {
	Action      string             `json:"action"`
	IPs         []string           `json:"ips"`
	Duration    string             `json:"duration,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	ThreatLevel domain.ThreatLevel `json:"threatLevel,omitempty"`
}

// RabbitMQPublisher fans block decisions out on a durable fanout exchange.
type RabbitMQPublisher struct {
	mu           sync.Mutex
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	url          string
	exchangeName string
	maxRetries   int
	retryDelay   time.Duration
	now          func() time.Time
}

func NewRabbitMQPublisher(url, exchangeName string) (*RabbitMQPublisher, error) {
	if exchangeName == "" {
		exchangeName = DefaultBlockExchange
	}
	p := &RabbitMQPublisher{
		url:          url,
		exchangeName: exchangeName,
		maxRetries:   3,
		retryDelay:   2 * time.Second,
		now:          time.Now,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectWithRetry(context.Background()); err != nil {
		return nil, fmt.Errorf("blacklist: connect to rabbitmq: %w", err)
	}
	return p, nil
}

func (p *RabbitMQPublisher) PublishBlock(ctx context.Context, entry domain.BlacklistEntry) error {
	duration := entry.BlockedUntil.Sub(p.now()).Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	return p.publish(ctx, BlockMessage{
		Action:      blockActionBlock,
		IPs:         []string{entry.IP},
		Duration:    duration.String(),
		Reason:      entry.Reason,
		ThreatLevel: entry.ThreatLevel,
	})
}

func (p *RabbitMQPublisher) PublishUnblock(ctx context.Context, ip string) error {
	return p.publish(ctx, BlockMessage{Action: blockActionUnblock, IPs: []string{ip}})
}

func (p *RabbitMQPublisher) publish(ctx context.Context, msg BlockMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("blacklist: encode block message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if p.conn == nil || p.conn.IsClosed() {
			if err = p.connect(); err != nil {
				log.Warn("RabbitMQ reconnect failed", "attempt", attempt, "error", err)
				if !sleepCtx(ctx, p.retryDelay) {
					return ctx.Err()
				}
				continue
			}
		}

		err = p.channel.PublishWithContext(ctx, p.exchangeName, "", false, false, amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    p.now(),
		})
		if err == nil {
			return nil
		}

		log.Warn("RabbitMQ publish failed", "attempt", attempt, "action", msg.Action, "error", err)
		p.closeLocked()
		if !sleepCtx(ctx, p.retryDelay) {
			return ctx.Err()
		}
	}

	return fmt.Errorf("blacklist: publish %s after %d attempts: %w", msg.Action, p.maxRetries, err)
}

func (p *RabbitMQPublisher) connectWithRetry(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if err = p.connect(); err == nil {
			return nil
		}
		log.Warn("RabbitMQ connection failed", "attempt", attempt, "max", p.maxRetries, "error", err)
		if !sleepCtx(ctx, p.retryDelay) {
			return ctx.Err()
		}
	}
	return err
}

func (p *RabbitMQPublisher) connect() error {
	p.closeLocked()

	conn, err := amqp091.Dial(p.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(p.exchangeName, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	p.conn = conn
	p.channel = ch
	log.Info("Connected to RabbitMQ", "exchange", p.exchangeName)
	return nil
}

func (p *RabbitMQPublisher) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection is not active")
	}
	if p.channel == nil {
		return errors.New("rabbitmq channel is not active")
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *RabbitMQPublisher) closeLocked() error {
	var errs []error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		p.channel = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		p.conn = nil
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
