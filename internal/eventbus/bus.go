package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	// SubjectJobRequested carries the ids of jobs waiting for a worker.
	SubjectJobRequested = "readyd.jobs.requested"
	// WorkerQueue is the queue group every worker joins.
	WorkerQueue = "readyd-workers"

	subjectPrefix = "readyd.jobs"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event bus closed")

// Message is one delivered message.
type Message struct {
	Subject string
	Data    []byte
}

// Handler processes a message. ctx carries the publisher's trace context.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and subscribes to subjects.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, h Handler) (Subscription, error)
	Close() error
}

// JobEventSubject is the subject of one lifecycle event.
func JobEventSubject(orgID, jobID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s.%s", subjectPrefix, Token(orgID), Token(jobID), eventType)
}

// JobEventsFilter matches every lifecycle event of one job.
func JobEventsFilter(orgID, jobID string) string {
	return fmt.Sprintf("%s.%s.%s.>", subjectPrefix, Token(orgID), Token(jobID))
}

// EventType returns the event type of a job event subject, which may
// itself contain dots.
func EventType(subject string) string {
	parts := strings.SplitN(subject, ".", 5)
	if len(parts) < 5 {
		return ""
	}
	return parts[4]
}

// Token makes s safe for use as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// NATSBus is a Bus over a NATS connection.
type NATSBus struct {
	nc       *nats.Conn
	embedded *Embedded
	logger   *zap.Logger
}

// Options configures Connect.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Connect dials a NATS server.
func Connect(opts Options, logger *zap.Logger) (*NATSBus, error) {
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 5
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = time.Second
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", opts.URL, err)
	}
	return &NATSBus{nc: nc, logger: logger}, nil
}

// NewLocal starts an in-process server and connects to it without a
// network listener.
func NewLocal(logger *zap.Logger) (*NATSBus, error) {
	srv, err := StartEmbedded(EmbeddedOptions{InProcessOnly: true})
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.InProcessServer(srv.server), nats.Name("readyd-local"))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to in-process nats: %w", err)
	}
	return &NATSBus{nc: nc, embedded: srv, logger: logger}, nil
}

// NewEmbedded starts a listening server and connects to it. Other
// processes may connect at ClientURL.
func NewEmbedded(opts EmbeddedOptions, logger *zap.Logger) (*NATSBus, error) {
	srv, err := StartEmbedded(opts)
	if err != nil {
		return nil, err
	}
	b, err := Connect(Options{URL: srv.ClientURL(), Name: "readyd"}, logger)
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	b.embedded = srv
	logger.Info("embedded nats started", zap.String("url", srv.ClientURL()))
	return b, nil
}

// Conn exposes the underlying connection.
func (b *NATSBus) Conn() *nats.Conn { return b.nc }

// Publish sends data with the trace context of ctx in the headers.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers every message on subject to h.
func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, b.wrap(h))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe delivers each message to one member of queue.
func (b *NATSBus) QueueSubscribe(subject, queue string, h Handler) (Subscription, error) {
	sub, err := b.nc.QueueSubscribe(subject, queue, b.wrap(h))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (b *NATSBus) wrap(h Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		ctx := context.Background()
		if m.Header != nil {
			ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(m.Header))
		}
		h(ctx, Message{Subject: m.Subject, Data: m.Data})
	}
}

// headerCarrier adapts nats.Header to the otel propagator. NATS keeps
// header keys as sent, so lookups ignore case.
type headerCarrier nats.Header

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key]; ok && len(v) > 0 {
		return v[0]
	}
	for k, v := range c {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for k := range c {
		if strings.EqualFold(k, key) {
			delete(c, k)
		}
	}
	c[key] = []string{value}
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush() error { return b.nc.Flush() }

// Healthy reports an error unless the connection is up.
func (b *NATSBus) Healthy(context.Context) error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close drains the connection and stops an owned server.
func (b *NATSBus) Close() error {
	var err error
	if !b.nc.IsClosed() {
		err = b.nc.Drain()
		// Drain is asynchronous; wait for it before stopping the server.
		deadline := time.Now().Add(5 * time.Second)
		for !b.nc.IsClosed() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
	return err
}

var _ Bus = (*NATSBus)(nil)
