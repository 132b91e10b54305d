package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/net/ratelimit"
)

// ErrAuthExpired means the feed rejected our credentials. Tokens are rotated
// externally, so the process stops instead of guessing at a refresh.
var ErrAuthExpired = errors.New("access token rejected by feed")

// ClientConfig holds transport settings for the tick feed connection.
type ClientConfig struct {
	URL                  string
	Endpoint             string        // pacer key, e.g. "tickfeed"
	HandshakeTimeout     time.Duration // default 30s
	ReadIdleTimeout      time.Duration // default 40s; server pings every 10s
	WriteTimeout         time.Duration // default 10s
	ReconnectDelay       time.Duration // default 5s
	MaxReconnectAttempts int           // default 5
	FrameBuffer          int           // default 1024

	// NoDataAuthThreshold treats this many consecutive short-lived
	// connections with zero frames as a credential rejection. The depth
	// feed closes silently on a bad token instead of sending a
	// disconnect frame. Zero disables the heuristic.
	NoDataAuthThreshold int
}

// A connection that lives longer than this before dying without data is a
// transport problem, not an auth rejection.
const noDataAuthWindow = 15 * time.Second

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Endpoint == "" {
		c.Endpoint = "tickfeed"
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ReadIdleTimeout == 0 {
		c.ReadIdleTimeout = 40 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.FrameBuffer == 0 {
		c.FrameBuffer = 1024
	}
	return c
}

// StatsSnapshot is a point-in-time copy of transport counters.
type StatsSnapshot struct {
	FramesReceived    uint64 `json:"frames_received"`
	Reconnects        uint64 `json:"reconnects"`
	ServerDisconnects uint64 `json:"server_disconnects"`
}

// Client owns one WebSocket to the tick feed. It reads frames in a loop and
// emits them on a bounded channel; when the channel is full the read loop
// blocks, which backpressures the feed instead of dropping frames.
type Client struct {
	cfg   ClientConfig
	subs  []SubscribeRequest
	pacer *ratelimit.Pacer
	log   zerolog.Logger

	frames chan []byte

	framesReceived    atomic.Uint64
	reconnects        atomic.Uint64
	serverDisconnects atomic.Uint64
}

// NewClient builds a client that will send the given subscription messages
// after every (re)connect.
func NewClient(cfg ClientConfig, subs []SubscribeRequest, pacer *ratelimit.Pacer, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		subs:   subs,
		pacer:  pacer,
		log:    logger.With().Str("component", cfg.Endpoint).Logger(),
		frames: make(chan []byte, cfg.FrameBuffer),
	}
}

// Frames returns the channel of raw binary frames. Closed when Run returns.
func (c *Client) Frames() <-chan []byte { return c.frames }

// Stats returns current transport counters.
func (c *Client) Stats() StatsSnapshot {
	return StatsSnapshot{
		FramesReceived:    c.framesReceived.Load(),
		Reconnects:        c.reconnects.Load(),
		ServerDisconnects: c.serverDisconnects.Load(),
	}
}

// Run connects, subscribes, and pumps frames until the context is cancelled,
// the reconnect budget is exhausted, or the feed rejects our credentials.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.frames)

	attempts := 0
	emptyRuns := 0
	for {
		before := c.framesReceived.Load()
		start := time.Now()
		connected, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthExpired) {
			return err
		}

		gotData := c.framesReceived.Load() > before
		if gotData {
			emptyRuns = 0
		} else if connected && time.Since(start) < noDataAuthWindow {
			emptyRuns++
			if c.cfg.NoDataAuthThreshold > 0 && emptyRuns >= c.cfg.NoDataAuthThreshold {
				return fmt.Errorf("%w: %d fast reconnects with no data", ErrAuthExpired, emptyRuns)
			}
		}

		if connected {
			attempts = 0
		}
		attempts++
		if attempts > c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("feed reconnect attempts exhausted after %d tries: %w", c.cfg.MaxReconnectAttempts, err)
		}
		c.reconnects.Add(1)
		c.log.Warn().Err(err).Int("attempt", attempts).Dur("delay", c.cfg.ReconnectDelay).Msg("feed connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// connectAndRead performs one connection lifetime. The bool reports whether
// the connection got far enough to subscribe, which resets the retry budget.
func (c *Client) connectAndRead(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	// Cancellation has to interrupt the blocking read.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		case <-readerDone:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
	})

	if err := c.subscribe(ctx, conn); err != nil {
		return false, err
	}
	c.log.Info().Int("messages", len(c.subs)).Msg("subscriptions sent")

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read frame: %w", err)
		}
		c.framesReceived.Add(1)
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))

		// Server disconnects are a transport concern; they never reach
		// the decoder loop.
		if len(frame) >= sizeDisconnect && frame[0] == CodeDisconnect {
			c.serverDisconnects.Add(1)
			if d, derr := ParseDisconnect(frame); derr == nil {
				if d.AuthFailure() {
					return true, fmt.Errorf("%w: disconnect reason %d", ErrAuthExpired, d.Reason)
				}
				return true, fmt.Errorf("server disconnect: reason %d", d.Reason)
			}
			return true, fmt.Errorf("server disconnect: unparseable frame")
		}

		select {
		case c.frames <- frame:
		case <-ctx.Done():
			return true, nil
		}
	}
}

func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn) error {
	for _, req := range c.subs {
		if err := c.pacer.Wait(ctx, c.cfg.Endpoint); err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("send subscription: %w", err)
		}
	}
	return nil
}
