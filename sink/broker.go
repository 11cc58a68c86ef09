package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig describes the exchange readings are mirrored to.
type AMQPConfig struct {
	URL              string
	Exchange         string
	RoutingKeyPrefix string
}

// NATSConfig describes the subject readings are mirrored to.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes each reading as JSON to a topic exchange with the
// routing key <prefix>.<sensor_id>.
type AMQPSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	pub      amqpPublisher
	exchange string
	prefix   string
	logger   *slog.Logger
}

// NewAMQPSink dials the broker and declares a durable topic exchange.
func NewAMQPSink(cfg AMQPConfig, logger *slog.Logger) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp sink requires a url")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "relayhub.readings"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	s := newAMQPSink(ch, cfg, logger)
	s.conn = conn
	s.channel = ch
	s.logger.Info("AMQP sink connected", "exchange", cfg.Exchange)
	return s, nil
}

func newAMQPSink(pub amqpPublisher, cfg AMQPConfig, logger *slog.Logger) *AMQPSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AMQPSink{
		pub:      pub,
		exchange: cfg.Exchange,
		prefix:   cfg.RoutingKeyPrefix,
		logger:   logger.With("component", "AMQPSink"),
	}
}

func (s *AMQPSink) Record(ctx context.Context, r core.Reading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return &core.SinkError{Sink: "amqp", Err: err}
	}
	err = s.pub.PublishWithContext(ctx, s.exchange, subjectFor(s.prefix, r.SensorID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return &core.SinkError{Sink: "amqp", Err: err}
	}
	return nil
}

func (s *AMQPSink) Close() error {
	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes each reading as JSON on <prefix>.<sensor_id>.
type NATSSink struct {
	conn   *nats.Conn
	pub    natsPublisher
	prefix string
	logger *slog.Logger
}

// NewNATSSink connects to the NATS server with unlimited reconnects.
func NewNATSSink(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats sink requires a url")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := logger.With("component", "NATSSink")
	nc, err := nats.Connect(cfg.URL,
		nats.Name("relayhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s := newNATSSink(nc, cfg.SubjectPrefix, logger)
	s.conn = nc
	s.logger.Info("NATS sink connected", "url", cfg.URL)
	return s, nil
}

func newNATSSink(pub natsPublisher, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger.With("component", "NATSSink")}
}

func (s *NATSSink) Record(_ context.Context, r core.Reading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return &core.SinkError{Sink: "nats", Err: err}
	}
	if err := s.pub.Publish(subjectFor(s.prefix, r.SensorID), body); err != nil {
		return &core.SinkError{Sink: "nats", Err: err}
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.conn != nil {
		return s.conn.Drain()
	}
	return nil
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// subjectFor builds a routing key or subject that is safe for both AMQP topic
// exchanges and NATS, where '.' separates tokens.
func subjectFor(prefix, sensorID string) string {
	token := subjectReplacer.Replace(sensorID)
	if prefix == "" {
		return token
	}
	return prefix + "." + token
}
