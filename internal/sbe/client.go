package sbe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/btcpipeline/internal/metrics"
)

// Connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ErrReconnectsExhausted is returned by Run after the reconnect attempt
// cap is hit; the process should treat it as fatal.
var ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")

var errDecodeStorm = errors.New("decode error rate over limit")

// Handler receives each normalized message. Handlers run sequentially
// on the read path and must not block.
type Handler func(Message)

// ClientConfig configures one logical feed connection.
type ClientConfig struct {
	URL            string
	APIKey         string
	Symbols        []string
	Streams        []string
	Strict         bool
	SilenceTimeout time.Duration
	ErrorRateLimit float64
	MaxReconnects  int
	MaxBackoff     time.Duration
}

// DefaultClientConfig applies the feed defaults: 30s silence watchdog,
// 5% decode-error storm threshold, 10 reconnects with backoff capped at 60s.
func DefaultClientConfig(url string, symbols, streams []string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Symbols:        symbols,
		Streams:        streams,
		Strict:         true,
		SilenceTimeout: 30 * time.Second,
		ErrorRateLimit: 0.05,
		MaxReconnects:  10,
		MaxBackoff:     60 * time.Second,
	}
}

// errorWindow tracks decode failures over a rolling minute.
type errorWindow struct {
	start  time.Time
	total  int
	errors int
}

// Client maintains a single logical connection to the binary feed,
// decoding frames and dispatching normalized messages to handlers.
type Client struct {
	cfg     ClientConfig
	decoder *Decoder

	mu          sync.Mutex
	state       State
	handlers    map[string]Handler
	lastMessage time.Time
	window      errorWindow

	dial  func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewClient creates a feed client; handlers are registered before Run.
func NewClient(cfg ClientConfig) *Client {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 30 * time.Second
	}
	if cfg.ErrorRateLimit <= 0 {
		cfg.ErrorRateLimit = 0.05
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Client{
		cfg:      cfg,
		decoder:  NewDecoder(cfg.Strict),
		state:    StateDisconnected,
		handlers: make(map[string]Handler),
		dial: func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			return conn, err
		},
		sleep: sleepCtx,
		now:   time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMessage registers the handler for one message type.
func (c *Client) OnMessage(messageType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[messageType] = handler
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("Feed state change")
	}
}

// streamURL joins the configured symbol and stream subscriptions onto
// the base URL as <symbol_lower>@<stream> path segments.
func (c *Client) streamURL() string {
	var parts []string
	for _, symbol := range c.cfg.Symbols {
		for _, stream := range c.cfg.Streams {
			parts = append(parts, strings.ToLower(symbol)+"@"+stream)
		}
	}
	return strings.TrimRight(c.cfg.URL, "/") + "/" + strings.Join(parts, "/")
}

// backoffFor returns min(2^attempts, cap) seconds before reconnect attempts+1.
func (c *Client) backoffFor(attempts int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if attempts > 30 || backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	return backoff
}

// Run drives the connection until ctx is cancelled (clean close) or the
// reconnect budget is exhausted (fatal). Each successful connection
// resets the attempt counter.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateClosed)
			return nil
		}

		c.setState(StateConnecting)
		url := c.streamURL()
		header := http.Header{}
		if c.cfg.APIKey != "" {
			header.Set("X-MBX-APIKEY", c.cfg.APIKey)
		}

		conn, err := c.dial(ctx, url, header)
		if err == nil {
			c.setState(StateConnected)
			attempts = 0
			c.resetWindow()
			err = c.readLoop(ctx, conn)
			conn.Close()
		}

		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}

		attempts++
		if attempts > c.cfg.MaxReconnects {
			c.setState(StateClosed)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectsExhausted, attempts-1, err)
		}

		c.setState(StateReconnecting)
		backoff := c.backoffFor(attempts)
		log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", backoff).
			Msg("Feed disconnected, reconnecting")
		if err := c.sleep(ctx, backoff); err != nil {
			c.setState(StateClosed)
			return nil
		}
	}
}

// readLoop reads and dispatches frames until the transport fails, the
// silence watchdog fires, or decode errors storm past the limit.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The read deadline doubles as the 30s silence watchdog.
		if err := conn.SetReadDeadline(c.now().Add(c.cfg.SilenceTimeout)); err != nil {
			return err
		}

		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		c.touch()
		if kind != websocket.BinaryMessage {
			continue
		}

		msg, err := c.decoder.Decode(frame)
		storm := c.record(err != nil)
		if err != nil {
			metrics.DecodeErrors.Inc()
			log.Warn().Err(err).Int("frame_len", len(frame)).Msg("Frame decode failed")
			if storm {
				return errDecodeStorm
			}
			continue
		}

		rec := msg.Record()
		metrics.RecordsIngested.WithLabelValues("sbe", msg.Type).Inc()

		c.mu.Lock()
		handler := c.handlers[msg.Type]
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		} else {
			log.Debug().Str("type", msg.Type).Str("symbol", rec.RecordSymbol()).
				Msg("No handler registered, message dropped")
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastMessage = c.now()
	c.mu.Unlock()
}

func (c *Client) resetWindow() {
	c.mu.Lock()
	c.window = errorWindow{start: c.now()}
	c.mu.Unlock()
}

// record counts one frame in the rolling minute and reports whether the
// decode-error rate has crossed the storm threshold. At least 20 frames
// must land in the window before the rate is trusted.
func (c *Client) record(failed bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().Sub(c.window.start) > time.Minute {
		c.window = errorWindow{start: c.now()}
	}
	c.window.total++
	if failed {
		c.window.errors++
	}
	if c.window.total < 20 {
		return false
	}
	return float64(c.window.errors)/float64(c.window.total) > c.cfg.ErrorRateLimit
}

// Healthy reports the feed health predicate: connected, a message
// within the silence bound, and the decode-error rate under the limit.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return false
	}
	if c.now().Sub(c.lastMessage) > c.cfg.SilenceTimeout {
		return false
	}
	if c.window.total >= 20 &&
		float64(c.window.errors)/float64(c.window.total) > c.cfg.ErrorRateLimit {
		return false
	}
	return true
}
