package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	dlqSuffix        = ".dlq"
	maxParseFailures = 3
	parseFailHeader  = "x-parse-failures"

	// Queue bounds mirror the broker policy the pipeline was deployed
	// with: cap runaway growth at 1M messages, expire after a day.
	queueMaxLength  = int32(1_000_000)
	queueMessageTTL = int32(86_400_000) // ms
)

// Config holds broker connection settings.
type Config struct {
	URL             string
	Queue           string
	Prefetch        int
	PublishBuffer   int
	ConnectAttempts int
	ConnectDelay    time.Duration
	DrainTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefetch == 0 {
		c.Prefetch = 100
	}
	if c.PublishBuffer == 0 {
		c.PublishBuffer = 8192
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectDelay == 0 {
		c.ConnectDelay = 5 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Conn wraps one AMQP connection and channel. Both queues (main and
// dead-letter) are declared on dial so publishers and consumers can
// start in any order.
type Conn struct {
	cfg Config
	log zerolog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects with escalating retry delays, declaring the queues on
// success. A broker that stays down through every attempt is fatal.
func Dial(ctx context.Context, cfg Config, log zerolog.Logger) (*Conn, error) {
	cfg = cfg.withDefaults()
	c := &Conn{cfg: cfg, log: log}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) dial(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		conn, err := amqp.Dial(c.cfg.URL)
		if err == nil {
			ch, cherr := conn.Channel()
			if cherr == nil {
				if derr := declareQueues(ch, c.cfg.Queue); derr == nil {
					c.mu.Lock()
					c.conn = conn
					c.ch = ch
					c.mu.Unlock()
					c.log.Info().Str("queue", c.cfg.Queue).Int("attempt", attempt).Msg("broker connected")
					return nil
				} else {
					cherr = derr
				}
			}
			conn.Close()
			err = cherr
		}

		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt).Int("max", c.cfg.ConnectAttempts).Msg("broker connect failed")

		if attempt == c.cfg.ConnectAttempts {
			break
		}
		select {
		case <-time.After(c.cfg.ConnectDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("broker unreachable after %d attempts: %w", c.cfg.ConnectAttempts, lastErr)
}

func declareQueues(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-max-length":  queueMaxLength,
		"x-message-ttl": queueMessageTTL,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	_, err = ch.QueueDeclare(queue+dlqSuffix, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue+dlqSuffix, err)
	}
	return nil
}

// Redial tears down the current connection and reconnects with the
// same retry budget as Dial.
func (c *Conn) Redial(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.ch = nil
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

// Publish sends one persistent message to a queue via the default
// exchange.
func (c *Conn) Publish(ctx context.Context, queue string, payload []byte) error {
	return c.publish(ctx, queue, payload, nil)
}

func (c *Conn) publish(ctx context.Context, queue string, payload []byte, headers amqp.Table) error {
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("broker channel not open")
	}

	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// Consume opens a manual-ack delivery stream with the configured
// prefetch. The returned channel closes when the AMQP channel dies;
// callers Redial and call Consume again.
func (c *Conn) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("broker channel not open")
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	return deliveries, nil
}

// RepublishParseFailure bumps the failure header and requeues the
// message, moving it to the dead-letter queue once it has failed
// decoding maxParseFailures times. The original delivery is acked so
// the bad payload never blocks the batch.
func (c *Conn) RepublishParseFailure(ctx context.Context, d *amqp.Delivery) (deadLettered bool, err error) {
	count := parseFailures(d.Headers) + 1

	target := c.cfg.Queue
	if count >= maxParseFailures {
		target = c.cfg.Queue + dlqSuffix
		deadLettered = true
	}

	if err := c.publish(ctx, target, d.Body, amqp.Table{parseFailHeader: count}); err != nil {
		return false, fmt.Errorf("republish to %s: %w", target, err)
	}
	if err := d.Ack(false); err != nil {
		return deadLettered, fmt.Errorf("ack after republish: %w", err)
	}
	return deadLettered, nil
}

func parseFailures(headers amqp.Table) int32 {
	if headers == nil {
		return 0
	}
	switch n := headers[parseFailHeader].(type) {
	case int32:
		return n
	case int64:
		return int32(n)
	case int:
		return int32(n)
	default:
		return 0
	}
}

// QueueDepth reports the number of waiting messages, for health
// surfaces. Uses a passive declare so it never creates queues.
func (c *Conn) QueueDepth() (int, error) {
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()

	if ch == nil {
		return -1, fmt.Errorf("broker channel not open")
	}

	q, err := ch.QueueDeclarePassive(c.cfg.Queue, true, false, false, false, amqp.Table{
		"x-max-length":  queueMaxLength,
		"x-message-ttl": queueMessageTTL,
	})
	if err != nil {
		return -1, fmt.Errorf("queue depth check: %w", err)
	}
	return q.Messages, nil
}

// Close shuts the connection down gracefully.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.ch = nil
	return err
}

// transport is the slice of Conn the publisher needs.
type transport interface {
	Publish(ctx context.Context, queue string, payload []byte) error
	Redial(ctx context.Context) error
}

// PublisherStats is a point-in-time counter snapshot.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Retried   uint64 `json:"retried"`
	Buffered  int    `json:"buffered"`
}

// Publisher decouples the hot decode path from broker round trips.
// Publish enqueues into a bounded buffer; when the buffer fills the
// caller blocks, which pauses transport reads upstream.
type Publisher struct {
	t     transport
	queue string
	buf   chan []byte
	drain time.Duration
	log   zerolog.Logger

	published atomic.Uint64
	retried   atomic.Uint64
}

// NewPublisher wires a publisher to a connection. Buffer and drain
// timeout come from cfg defaults when zero.
func NewPublisher(t transport, cfg Config, log zerolog.Logger) *Publisher {
	cfg = cfg.withDefaults()
	return &Publisher{
		t:     t,
		queue: cfg.Queue,
		buf:   make(chan []byte, cfg.PublishBuffer),
		drain: cfg.DrainTimeout,
		log:   log,
	}
}

// Publish enqueues a payload, blocking when the buffer is full.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	select {
	case p.buf <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Retried:   p.retried.Load(),
		Buffered:  len(p.buf),
	}
}

// Run drains the buffer until ctx is cancelled, then flushes whatever
// is left within the drain timeout so a clean shutdown loses nothing.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return p.drainRemaining()
		case payload := <-p.buf:
			p.send(ctx, payload)
		}
	}
}

// send retries with escalating backoff until the payload is accepted
// or ctx ends. Messages are never dropped while the process lives.
func (p *Publisher) send(ctx context.Context, payload []byte) {
	backoff := 500 * time.Millisecond

	for {
		err := p.t.Publish(ctx, p.queue, payload)
		if err == nil {
			p.published.Add(1)
			return
		}

		p.retried.Add(1)
		p.log.Warn().Err(err).Dur("backoff", backoff).Msg("publish failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		if backoff < 5*time.Second {
			backoff *= 2
		}

		if rerr := p.t.Redial(ctx); rerr != nil {
			p.log.Error().Err(rerr).Msg("broker redial failed")
		}
	}
}

func (p *Publisher) drainRemaining() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.drain)
	defer cancel()

	for {
		if ctx.Err() != nil {
			if n := len(p.buf); n > 0 {
				return fmt.Errorf("drain timeout with %d messages buffered", n)
			}
			return nil
		}

		select {
		case payload := <-p.buf:
			if err := p.t.Publish(ctx, p.queue, payload); err != nil {
				return fmt.Errorf("drain publish: %w", err)
			}
			p.published.Add(1)
		default:
			return nil
		}
	}
}
