package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string // default "/"
	UseTLS   bool
}

func (cfg Config) URL() string {
	vhost := cfg.VHost
	if vhost == "" || vhost == "/" {
		vhost = ""
	}
	scheme := "amqp"
	if cfg.UseTLS {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, cfg.User, cfg.Password, cfg.Host, cfg.Port, vhost)
}

var ErrNack = errors.New("publish NACK from broker")

// Client is one broker connection with a confirm-mode publishing channel.
type Client struct {
	conn *amqp.Connection
	pub  *amqp.Channel

	mu     sync.Mutex
	closed chan *amqp.Error
}

func Dial(cfg Config) (*Client, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if cfg.UseTLS {
		conn, err = amqp.DialTLS(cfg.URL(), &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(cfg.URL())
	}
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Client{
		conn:   conn,
		pub:    pub,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// NotifyClose yields once when the connection drops. The channel is closed
// on a clean shutdown.
func (c *Client) NotifyClose() <-chan *amqp.Error { return c.closed }

// Channel opens a fresh channel on the connection, for consumers.
func (c *Client) Channel() (*amqp.Channel, error) { return c.conn.Channel() }

func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	if c.pub == nil || c.pub.IsClosed() {
		return errors.New("rabbitmq channel is closed")
	}
	return nil
}

// DeclareTopic declares a durable topic exchange.
func (c *Client) DeclareTopic(exchange string) error {
	return c.pub.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Publish sends one message and waits for the broker's confirm or ctx.
func (c *Client) Publish(ctx context.Context, exchange, key string, body []byte, contentType string) error {
	c.mu.Lock()
	dc, err := c.pub.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Transient,
		ContentType:  contentType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNack
	}
	return nil
}

func (c *Client) Close() {
	if c.pub != nil {
		_ = c.pub.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
}
