// Package nats provides the NATS client used to publish telemetry envelopes
// and to consume them through JetStream.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
)

// Client publishes to core NATS subjects.
type Client struct {
	conn   *nats.Conn
	logger *logging.Logger
}

// Config holds NATS client configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name identifies the connection on the server.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	ReconnectWait time.Duration
	Timeout       time.Duration

	Username string
	Password string
	Token    string
}

// DefaultConfig returns a Config for a local server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "sensor-ingest",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewClient connects to the server.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{
		conn:   conn,
		logger: logger,
	}, nil
}

// Publish sends data to subject without waiting for persistence.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// PublishMsg sends msg with its metadata as headers.
func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(toNatsMsg(msg))
}

// Close closes the connection immediately.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

// Drain lets in-flight messages complete, then closes.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// CheckHealth returns an error when the connection is down.
func (c *Client) CheckHealth(ctx context.Context) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to NATS (status %s)", c.conn.Status())
	}
	return nil
}

func toNatsMsg(msg *messaging.Message) *nats.Msg {
	natsMsg := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
	}
	if len(msg.Metadata) > 0 {
		natsMsg.Header = make(nats.Header)
		for k, v := range msg.Metadata {
			natsMsg.Header.Set(k, v)
		}
	}
	return natsMsg
}
