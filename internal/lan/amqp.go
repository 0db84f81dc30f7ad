package lan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/codec"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/connections/rabbitmq"
	"bakery-kds/internal/domain"
)

type AMQPConfig struct {
	Rabbit            rabbitmq.Config
	DeviceID          string
	Exchange          string
	Codec             codec.Codec
	ReconnectInterval time.Duration
}

// AMQPChannel carries LAN frames over a RabbitMQ topic exchange. The routing
// key is the message type; each device consumes through its own exclusive
// queue bound to both types.
type AMQPChannel struct {
	cfg AMQPConfig
	log *logger.Logger
	clk clock.Clock
	reg *registry

	mu     sync.RWMutex
	client *rabbitmq.Client
	active bool
}

var _ Channel = (*AMQPChannel)(nil)

func NewAMQP(cfg AMQPConfig, log *logger.Logger, clk clock.Clock) *AMQPChannel {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	return &AMQPChannel{cfg: cfg, log: log, clk: clk, reg: newRegistry(log)}
}

func (c *AMQPChannel) queueName() string { return "kds." + c.cfg.DeviceID }

func (c *AMQPChannel) Send(ctx context.Context, msgType string, payload any) error {
	c.mu.RLock()
	client, active := c.client, c.active
	c.mu.RUnlock()
	if !active || client == nil {
		return fmt.Errorf("lan: send %s: %w", msgType, domain.ErrChannelInactive)
	}
	body, err := encode(c.cfg.Codec, c.cfg.DeviceID, msgType, payload, c.clk.Now())
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, c.cfg.Exchange, msgType, body, c.cfg.Codec.ContentType()); err != nil {
		return fmt.Errorf("lan: publish %s: %w", msgType, err)
	}
	return nil
}

func (c *AMQPChannel) On(msgType string, h Handler) func() { return c.reg.on(msgType, h) }

func (c *AMQPChannel) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func (c *AMQPChannel) OnStateChange(fn func(bool)) func() { return c.reg.onState(fn) }

// Run connects, consumes and reconnects until ctx is done. A failed
// connection is retried every ReconnectInterval.
func (c *AMQPChannel) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Error("lan_disconnected", err, map[string]any{"retry_in": c.cfg.ReconnectInterval.String()})

		t := c.clk.NewTicker(c.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
			t.Stop()
		}
	}
}

// session runs one connection until it drops.
func (c *AMQPChannel) session(ctx context.Context) error {
	client, err := rabbitmq.Dial(c.cfg.Rabbit)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	deliveries, err := c.subscribe(ctx, client)
	if err != nil {
		return err
	}

	c.setActive(client, true)
	defer c.setActive(nil, false)
	c.log.Info("lan_connected", map[string]any{"exchange": c.cfg.Exchange, "queue": c.queueName()})

	closed := client.NotifyClose()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(d)
		}
	}
}

func (c *AMQPChannel) subscribe(ctx context.Context, client *rabbitmq.Client) (<-chan amqp.Delivery, error) {
	if err := client.DeclareTopic(c.cfg.Exchange); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	ch, err := client.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	q, err := ch.QueueDeclare(c.queueName(), false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", c.queueName(), err)
	}
	for _, key := range []string{domain.TypeNewOrder, domain.TypeOrderAck} {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, c.cfg.DeviceID, true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}
	return deliveries, nil
}

func (c *AMQPChannel) handle(d amqp.Delivery) {
	msg, err := decode(codec.ByContentType(d.ContentType), d.Body)
	if err != nil {
		c.log.Error("lan_frame_dropped", err, map[string]any{"routing_key": d.RoutingKey})
		return
	}
	if msg.From == c.cfg.DeviceID {
		return
	}
	c.reg.dispatch(msg)
}

func (c *AMQPChannel) setActive(client *rabbitmq.Client, active bool) {
	c.mu.Lock()
	changed := c.active != active
	c.client = client
	c.active = active
	c.mu.Unlock()
	if changed {
		c.reg.notifyState(active)
	}
}
