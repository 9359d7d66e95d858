// Package broker manages the AMQP 0-9-1 connection and the exchange/queue
// topology the ingestion pipeline rides on.
package broker

import (
	"fmt"
	"net/url"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Config carries the broker connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
}

// URL renders the amqp:// connection URI. The default vhost "/" maps to an
// empty path; anything else becomes the path component.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
	}
	if c.VHost != "" && c.VHost != "/" {
		u.Path = "/" + c.VHost
	}
	return u.String()
}

// Redacted is the URL with the password masked, safe for logs and errors.
func (c Config) Redacted() string {
	masked := c
	masked.Password = "***"
	redacted, _ := url.PathUnescape(masked.URL())
	return redacted
}

// Client wraps one AMQP connection.
type Client struct {
	conn   *amqp.Connection
	logger *zap.Logger
}

// Dial connects to the broker.
func Dial(cfg Config, logger *zap.Logger) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", cfg.Redacted(), err)
	}
	logger.Info("broker connected", zap.String("url", cfg.Redacted()))
	return &Client{conn: conn, logger: logger}, nil
}

// Channel opens a fresh channel on the connection.
func (c *Client) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// IsClosed reports whether the underlying connection is gone.
func (c *Client) IsClosed() bool {
	return c.conn.IsClosed()
}

// NotifyClose returns a channel that receives the terminal connection
// error, or is closed on clean shutdown.
func (c *Client) NotifyClose() chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close shuts the connection down, closing every channel on it.
func (c *Client) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
