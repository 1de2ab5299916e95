package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/tts-client/internal/observability"
	"github.com/vocalis-ai/tts-client/internal/protocol"
	"github.com/vocalis-ai/tts-client/internal/resilience"
)

// ErrNotConnected is returned by Send when no open connection exists
var ErrNotConnected = errors.New("not connected to synthesis service")

const (
	eventBuffer       = 64
	closeGraceTimeout = 2 * time.Second
)

// State of the underlying connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// EventType identifies what an Event reports
type EventType int

const (
	// EventConnected fires when the service handshake frame arrives
	EventConnected EventType = iota
	// EventDisconnected fires when the connection drops unexpectedly
	EventDisconnected
	// EventVoiceSet fires on a voice change acknowledgement
	EventVoiceSet
	// EventProcessing fires when the service accepts a synthesis request
	EventProcessing
	// EventAudioChunk fires for each audio fragment frame
	EventAudioChunk
	// EventServerError fires for error frames from the service
	EventServerError
	// EventParseError fires for malformed or unrecognized frames
	EventParseError
	// EventStale fires when heartbeat responses stop arriving
	EventStale
	// EventFailed fires once automatic reconnection is exhausted
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventVoiceSet:
		return "voice_set"
	case EventProcessing:
		return "processing"
	case EventAudioChunk:
		return "audio_chunk"
	case EventServerError:
		return "server_error"
	case EventParseError:
		return "parse_error"
	case EventStale:
		return "stale"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event is one item demultiplexed off the connection
type Event struct {
	Type         EventType
	Frame        *protocol.ServerFrame
	Err          error
	Reconnecting bool
}

// Config holds transport settings
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	HeartbeatInterval    time.Duration
	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration
	BreakerMaxFailures   int
	BreakerResetTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = 30 * time.Second
	}
	return c
}

// Client maintains one websocket connection to the synthesis service.
// It owns a read loop and a heartbeat loop per connection, reconnects
// automatically with a fixed delay when the connection drops, and
// demultiplexes inbound frames onto the Events channel. All writes are
// serialized. A closed client can be connected again.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker

	events chan Event

	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	ws            *websocket.Conn
	lastPong      time.Time
	staleFlagged  bool
	closing       bool
	connCancel    context.CancelFunc
	superviseDone chan struct{}
}

// NewClient creates a disconnected client
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "transport").Logger(),
		breaker: resilience.NewCircuitBreaker("tts-server", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		events:  make(chan Event, eventBuffer),
	}
}

// Events returns the demultiplexed inbound event stream. The channel
// is never closed; consumers stop reading when they shut down.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPong returns when the service last answered a heartbeat
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Connect dials the service. An existing connection in a non-terminal
// state is torn down first. The context bounds only the dial; the
// connection itself lives until Close or until reconnection attempts
// are exhausted.
func (c *Client) Connect(ctx context.Context) error {
	c.teardown(false)

	c.mu.Lock()
	c.closing = false
	c.staleFlagged = false
	c.state = StateConnecting
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.ws = ws
	c.state = StateOpen
	c.lastPong = time.Now()
	c.connCancel = cancel
	c.superviseDone = done
	c.mu.Unlock()

	go c.supervise(runCtx, done)

	c.logger.Info().Str("url", c.cfg.URL).Msg("Connected to synthesis service")
	return nil
}

// Close tears the connection down gracefully: the close command and a
// websocket close frame go out best-effort before the socket drops
func (c *Client) Close() error {
	c.teardown(true)
	return nil
}

// Send writes one command frame. It fails with ErrNotConnected unless
// the connection is open, without touching the wire.
func (c *Client) Send(cmd protocol.Command) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteJSON(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Command, err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var ws *websocket.Conn
	err := c.breaker.Call(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()

		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
		conn, resp, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			return err
		}
		ws = conn
		return nil
	})
	if err != nil {
		observability.RecordConnect(false)
		observability.RecordError("connection", "transport")
		return nil, fmt.Errorf("connect to %s: %w", c.cfg.URL, err)
	}
	observability.RecordConnect(true)
	return ws, nil
}

// supervise runs the per-connection workers and the reconnect cycle
// until the client closes or retries are exhausted
func (c *Client) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := c.runConn(ctx)

		if c.isClosing() || ctx.Err() != nil {
			return
		}

		c.logger.Warn().Err(err).Msg("Connection lost")
		observability.RecordError("disconnect", "transport")

		c.mu.Lock()
		c.ws = nil
		c.state = StateConnecting
		c.mu.Unlock()

		c.publish(ctx, Event{
			Type:         EventDisconnected,
			Err:          err,
			Reconnecting: c.cfg.ReconnectMaxAttempts > 0,
		})

		rerr := resilience.Reconnect(ctx, func() error {
			observability.RecordReconnect()
			ws, derr := c.dial(ctx)
			if derr != nil {
				return derr
			}
			c.mu.Lock()
			c.ws = ws
			c.state = StateOpen
			c.lastPong = time.Now()
			c.staleFlagged = false
			c.mu.Unlock()
			return nil
		}, &resilience.ReconnectConfig{
			MaxAttempts: c.cfg.ReconnectMaxAttempts,
			Delay:       c.cfg.ReconnectDelay,
			Multiplier:  1.0,
			MaxDelay:    c.cfg.ReconnectDelay,
		})
		if rerr != nil {
			if c.isClosing() || ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			c.logger.Error().Err(rerr).Msg("Reconnection exhausted, giving up")
			c.publish(ctx, Event{Type: EventFailed, Err: rerr})
			return
		}
		// Reconnected; the service re-sends its handshake frame on the
		// new connection, which surfaces as a fresh EventConnected.
	}
}

// runConn drives one physical connection until it ends
func (c *Client) runConn(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("no connection")
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return c.readLoop(gctx, ws) })
	group.Go(func() error { return c.heartbeatLoop(gctx) })
	group.Go(func() error {
		// Unblocks the read loop when the group context ends.
		<-gctx.Done()
		ws.Close()
		return nil
	})

	return group.Wait()
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosing() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			observability.RecordParseFailure()
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
			c.publish(ctx, Event{Type: EventParseError, Err: err})
			continue
		}

		kind := frame.Kind()
		observability.RecordFrame(string(kind))

		switch kind {
		case protocol.KindConnected:
			c.logger.Info().
				Strs("voices", frame.Voices).
				Str("current_voice", frame.CurrentVoice).
				Msg("Service handshake complete")
			c.publish(ctx, Event{Type: EventConnected, Frame: frame})

		case protocol.KindVoiceSet:
			c.publish(ctx, Event{Type: EventVoiceSet, Frame: frame})

		case protocol.KindProcessing:
			c.publish(ctx, Event{Type: EventProcessing, Frame: frame})

		case protocol.KindPong:
			observability.RecordPong()
			c.mu.Lock()
			c.lastPong = time.Now()
			c.staleFlagged = false
			c.mu.Unlock()

		case protocol.KindAudioChunk:
			c.publish(ctx, Event{Type: EventAudioChunk, Frame: frame})

		case protocol.KindError:
			c.publish(ctx, Event{Type: EventServerError, Frame: frame, Err: errors.New(frame.Error)})

		default:
			observability.RecordParseFailure()
			c.publish(ctx, Event{Type: EventParseError, Err: fmt.Errorf("unrecognized frame shape")})
		}
	}
}

// heartbeatLoop pings the service on a fixed cadence and flags, once
// per stale period, when responses stop coming back. Staleness never
// terminates the connection by itself.
func (c *Client) heartbeatLoop(ctx context.Context) error {
	interval := c.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			age := time.Since(c.lastPong)
			fire := age > 2*interval && !c.staleFlagged
			if fire {
				c.staleFlagged = true
			}
			c.mu.Unlock()

			if fire {
				observability.RecordHeartbeatStale()
				c.logger.Warn().Dur("age", age).Msg("Heartbeat responses are stale")
				c.publish(ctx, Event{Type: EventStale, Err: fmt.Errorf("no pong for %s", age.Round(time.Second))})
			}

			if err := c.Send(protocol.Ping()); err != nil {
				// A dead connection surfaces through the read loop.
				c.logger.Debug().Err(err).Msg("Heartbeat send failed")
				continue
			}
			observability.RecordHeartbeat()
		}
	}
}

// teardown ends the current connection cycle and waits for its workers
func (c *Client) teardown(sendClose bool) {
	c.mu.Lock()
	if c.connCancel == nil && c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.state = StateClosing
	ws := c.ws
	cancel := c.connCancel
	done := c.superviseDone
	c.mu.Unlock()

	if sendClose && ws != nil {
		c.writeMu.Lock()
		ws.SetWriteDeadline(time.Now().Add(closeGraceTimeout))
		if err := ws.WriteJSON(protocol.Close()); err != nil {
			c.logger.Debug().Err(err).Msg("Close command not delivered")
		}
		deadline := time.Now().Add(closeGraceTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug().Err(err).Msg("Close handshake not delivered")
		}
		c.writeMu.Unlock()
	}

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.ws = nil
	c.connCancel = nil
	c.superviseDone = nil
	c.mu.Unlock()

	c.logger.Info().Msg("Disconnected from synthesis service")
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// publish delivers an event unless the connection cycle is ending
func (c *Client) publish(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
