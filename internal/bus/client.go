package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/feed"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const defaultPublishTimeout = 2 * time.Second

// Client wraps a NATS connection and publishes recognition events.
type Client struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	prefix         string
	stream         string
	publishTimeout time.Duration
	log            *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	log = log.With(slog.String("component", "bus"))

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	options := []nats.Option{
		nats.Name("loqa-scribe"),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	c := &Client{
		conn:           conn,
		prefix:         cfg.SubjectPrefix,
		publishTimeout: time.Duration(cfg.PublishTimeout) * time.Millisecond,
		log:            log,
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = defaultPublishTimeout
	}

	if cfg.Stream != "" {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create jetstream context: %w", err)
		}
		c.js = js
		if err := c.ensureStream(cfg.Stream); err != nil {
			conn.Close()
			return nil, err
		}
		c.stream = cfg.Stream
	}

	log.Info("connected to NATS", slog.String("servers", url), slog.String("stream", c.stream))
	return c, nil
}

func (c *Client) ensureStream(name string) error {
	subjects := []string{protocol.RecognitionSubject(c.prefix, "*")}
	info, err := c.js.StreamInfo(name)
	if err == nil {
		c.log.Debug("using existing stream", slog.String("stream", name), slog.Any("subjects", info.Config.Subjects))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", name, err)
	}
	if _, err := c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	c.log.Info("created stream", slog.String("stream", name), slog.Any("subjects", subjects))
	return nil
}

// Publish sends evt on "<prefix>.recognition.<source>". With a stream
// configured the publish waits for the JetStream ack, at most the publish
// timeout.
func (c *Client) Publish(ctx context.Context, evt feed.Event) error {
	subject := protocol.RecognitionSubject(c.prefix, evt.Source)
	data, err := json.Marshal(protocol.FromEvent(evt))
	if err != nil {
		return fmt.Errorf("marshal recognition: %w", err)
	}
	if c.js != nil {
		ctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
		defer cancel()
		if _, err := c.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("drain NATS connection", slog.String("error", err.Error()))
	}
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
