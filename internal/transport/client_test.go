package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vocalis-ai/tts-client/internal/protocol"
)

var upgrader = websocket.Upgrader{}

type clientCommand struct {
	Command string `json:"command"`
	Voice   string `json:"voice"`
	Text    string `json:"text"`
}

func newTestServer(t *testing.T, handle func(*websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendConnected(conn *websocket.Conn, voices ...string) {
	current := ""
	if len(voices) > 0 {
		current = voices[0]
	}
	conn.WriteJSON(map[string]any{
		"status":        "connected",
		"voices":        voices,
		"current_voice": current,
	})
}

func testConfig(url string) Config {
	return Config{
		URL:                  url,
		ConnectTimeout:       2 * time.Second,
		WriteTimeout:         2 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		ReconnectMaxAttempts: 2,
		ReconnectDelay:       20 * time.Millisecond,
		BreakerMaxFailures:   10,
		BreakerResetTimeout:  10 * time.Millisecond,
	}
}

func waitEvent(t *testing.T, c *Client, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s event", want)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1/ws"), zerolog.Nop())

	err := c.Send(protocol.TTS("hello"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("Expected disconnected state, got %s", c.State())
	}
}

func TestConnectDialFailure(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1/ws"), zerolog.Nop())

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Expected dial error")
	}
	if c.State() != StateDisconnected {
		t.Errorf("Expected disconnected state after dial failure, got %s", c.State())
	}
}

func TestConnectHandshake(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria", "nova")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := NewClient(testConfig(url), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	ev := waitEvent(t, c, EventConnected)
	if len(ev.Frame.Voices) != 2 {
		t.Errorf("Expected 2 voices in handshake, got %d", len(ev.Frame.Voices))
	}
	if ev.Frame.CurrentVoice != "aria" {
		t.Errorf("Expected current voice 'aria', got '%s'", ev.Frame.CurrentVoice)
	}
	if c.State() != StateOpen {
		t.Errorf("Expected open state, got %s", c.State())
	}
}

func TestVoiceCommandRoundTrip(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria", "nova")
		for {
			var cmd clientCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Command == "set_voice" {
				conn.WriteJSON(map[string]any{"status": "voice_set", "voice": cmd.Voice})
			}
		}
	})
	defer srv.Close()

	c := NewClient(testConfig(url), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()
	waitEvent(t, c, EventConnected)

	if err := c.Send(protocol.SetVoice("nova")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ev := waitEvent(t, c, EventVoiceSet)
	if ev.Frame.Voice != "nova" {
		t.Errorf("Expected voice 'nova' in ack, got '%s'", ev.Frame.Voice)
	}
}

func TestServerErrorFrameNonFatal(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria")
		for {
			var cmd clientCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Command != "set_voice" {
				continue
			}
			if cmd.Voice == "bogus" {
				conn.WriteJSON(map[string]any{"error": "Voice not found: bogus"})
			} else {
				conn.WriteJSON(map[string]any{"status": "voice_set", "voice": cmd.Voice})
			}
		}
	})
	defer srv.Close()

	c := NewClient(testConfig(url), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()
	waitEvent(t, c, EventConnected)

	c.Send(protocol.SetVoice("bogus"))
	ev := waitEvent(t, c, EventServerError)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "Voice not found") {
		t.Errorf("Expected server error text, got %v", ev.Err)
	}

	// The connection must survive a server-reported error.
	c.Send(protocol.SetVoice("aria"))
	waitEvent(t, c, EventVoiceSet)
}

func TestMalformedFrameReported(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria")
		conn.WriteMessage(websocket.TextMessage, []byte("{this is not json"))
		conn.WriteJSON(map[string]any{"status": "voice_set", "voice": "aria"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := NewClient(testConfig(url), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()
	waitEvent(t, c, EventConnected)

	ev := waitEvent(t, c, EventParseError)
	if ev.Err == nil {
		t.Error("Expected parse error to carry a cause")
	}

	// The frame after the bad one still gets through.
	waitEvent(t, c, EventVoiceSet)
}

func TestAudioChunkEvents(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria")
		conn.WriteJSON(map[string]any{"type": "processing", "message_id": 1715100000000, "text": "Hi."})
		conn.WriteJSON(map[string]any{
			"type": "audio_chunk", "message_id": 1715100000000,
			"audio": "UklG", "chunk_index": 0, "total_chunks": 2, "is_final": false,
		})
		conn.WriteJSON(map[string]any{
			"type": "audio_chunk", "message_id": 1715100000000,
			"audio_chunk": "Rg==", "chunk_index": 1, "total_chunks": 2, "is_final": true,
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := NewClient(testConfig(url), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()
	waitEvent(t, c, EventConnected)

	ev := waitEvent(t, c, EventProcessing)
	if ev.Frame.MessageID != "1715100000000" {
		t.Errorf("Expected numeric message id as string, got '%s'", ev.Frame.MessageID)
	}

	first := waitEvent(t, c, EventAudioChunk)
	if first.Frame.ChunkIndex != 0 || first.Frame.Payload() != "UklG" {
		t.Errorf("Unexpected first chunk: %+v", first.Frame)
	}
	second := waitEvent(t, c, EventAudioChunk)
	if second.Frame.ChunkIndex != 1 || second.Frame.Payload() != "Rg==" {
		t.Errorf("Unexpected second chunk: %+v", second.Frame)
	}
	if !second.Frame.IsFinal {
		t.Error("Expected final flag on last chunk")
	}
}

func TestAutoReconnect(t *testing.T) {
	var conns int32
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&conns, 1)
		sendConnected(conn, "aria")
		if n == 1 {
			// Drop the first connection right after the handshake.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cfg := testConfig(url)
	cfg.ReconnectMaxAttempts = 5
	c := NewClient(cfg, zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	waitEvent(t, c, EventConnected)

	ev := waitEvent(t, c, EventDisconnected)
	if !ev.Reconnecting {
		t.Error("Expected disconnect event to announce reconnection")
	}

	// The replacement connection completes a fresh handshake.
	waitEvent(t, c, EventConnected)

	if got := atomic.LoadInt32(&conns); got != 2 {
		t.Errorf("Expected 2 server connections, got %d", got)
	}
	if c.State() != StateOpen {
		t.Errorf("Expected open state after reconnect, got %s", c.State())
	}
}

func TestReconnectExhausted(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria")
	})

	cfg := testConfig(url)
	cfg.ReconnectMaxAttempts = 2
	cfg.ReconnectDelay = 10 * time.Millisecond
	c := NewClient(cfg, zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	waitEvent(t, c, EventConnected)

	// Take the whole server down so every redial is refused.
	srv.Close()

	waitEvent(t, c, EventDisconnected)
	ev := waitEvent(t, c, EventFailed)
	if ev.Err == nil {
		t.Error("Expected failure event to carry the final error")
	}

	if err := c.Send(protocol.TTS("hello")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after failure, got %v", err)
	}
}

func TestCloseSendsCloseCommand(t *testing.T) {
	got := make(chan string, 8)
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria")
		for {
			var cmd clientCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			got <- cmd.Command
		}
	})
	defer srv.Close()

	c := NewClient(testConfig(url), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, c, EventConnected)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case cmd := <-got:
		if cmd != "close" {
			t.Errorf("Expected close command, got '%s'", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server never received the close command")
	}

	if c.State() != StateDisconnected {
		t.Errorf("Expected disconnected state, got %s", c.State())
	}
	if err := c.Send(protocol.Ping()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after close, got %v", err)
	}
}

func TestHeartbeatPingPong(t *testing.T) {
	var pings int32
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria")
		for {
			var cmd clientCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Command == "ping" {
				atomic.AddInt32(&pings, 1)
				conn.WriteJSON(map[string]any{"status": "pong"})
			}
		}
	})
	defer srv.Close()

	cfg := testConfig(url)
	cfg.HeartbeatInterval = 30 * time.Millisecond
	c := NewClient(cfg, zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()
	waitEvent(t, c, EventConnected)

	before := c.LastPong()
	time.Sleep(150 * time.Millisecond)

	if atomic.LoadInt32(&pings) < 2 {
		t.Errorf("Expected at least 2 pings, got %d", atomic.LoadInt32(&pings))
	}
	if !c.LastPong().After(before) {
		t.Error("Expected pong responses to advance LastPong")
	}

	// Answered heartbeats must not raise staleness.
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == EventStale {
				t.Fatal("Unexpected stale event with healthy heartbeats")
			}
		default:
			return
		}
	}
}

func TestHeartbeatStaleNonFatal(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		sendConnected(conn, "aria")
		for {
			var cmd clientCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Command == "set_voice" {
				conn.WriteJSON(map[string]any{"status": "voice_set", "voice": cmd.Voice})
			}
			// Pings are deliberately never answered.
		}
	})
	defer srv.Close()

	cfg := testConfig(url)
	cfg.HeartbeatInterval = 30 * time.Millisecond
	c := NewClient(cfg, zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()
	waitEvent(t, c, EventConnected)

	waitEvent(t, c, EventStale)

	// Staleness is advisory; the connection keeps working.
	if err := c.Send(protocol.SetVoice("aria")); err != nil {
		t.Fatalf("Send failed after staleness: %v", err)
	}
	waitEvent(t, c, EventVoiceSet)
}

func TestConnectReplacesExistingConnection(t *testing.T) {
	var conns int32
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&conns, 1)
		sendConnected(conn, "aria")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := NewClient(testConfig(url), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("First connect failed: %v", err)
	}
	waitEvent(t, c, EventConnected)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Second connect failed: %v", err)
	}
	defer c.Close()
	waitEvent(t, c, EventConnected)

	if got := atomic.LoadInt32(&conns); got != 2 {
		t.Errorf("Expected 2 server connections, got %d", got)
	}
	if c.State() != StateOpen {
		t.Errorf("Expected open state, got %s", c.State())
	}
}
