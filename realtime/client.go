package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const dialTimeout = 15 * time.Second

// ServerEvent is one decoded event from the duplex session. Payload shapes
// are provider-owned; only the type tag and a few bookkeeping fields are
// interpreted here.
type ServerEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Raw       json.RawMessage
}

// ClientConfig configures one duplex session.
type ClientConfig struct {
	URL    string
	Header http.Header
	Mode   TurnMode
	Family ProviderFamily

	// Session is merged into the initial session.update payload before the
	// turn mode is applied.
	Session map[string]any
}

// Client is a realtime duplex session over a websocket. Every network
// operation is scheduled onto the owning background loop; the client itself
// holds no goroutines besides the receive pump, which also runs there.
type Client struct {
	loop   *Loop
	conn   *websocket.Conn
	cfg    ClientConfig
	events chan ServerEvent
	logger *slog.Logger
}

// Connect dials the session endpoint on the loop, sends the initial session
// configuration with the turn mode applied, and starts the receive pump.
func Connect(loop *Loop, cfg ClientConfig) (*Client, error) {
	loop.Ensure()

	c := &Client{
		loop:   loop,
		cfg:    cfg,
		events: make(chan ServerEvent, 64),
		logger: slog.Default().With("component", "realtime_client"),
	}

	res := <-loop.RunAsync(func(ctx context.Context) (any, error) {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{
			HTTPHeader: cfg.Header,
		})
		if err != nil {
			return nil, fmt.Errorf("dial realtime endpoint: %w", err)
		}
		return conn, nil
	})
	if res.Err != nil {
		return nil, res.Err
	}
	c.conn = res.Value.(*websocket.Conn)

	if err := c.sendSessionConfig(); err != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "config failed")
		return nil, err
	}

	// The pump is bound to the loop's lifetime context so it ends when the
	// loop stops or the connection closes, without occupying the worker.
	c.loop.RunAsync(func(ctx context.Context) (any, error) {
		go c.receivePump(ctx)
		return nil, nil
	})
	return c, nil
}

// Events delivers decoded server events. The channel closes when the
// receive pump ends.
func (c *Client) Events() <-chan ServerEvent {
	return c.events
}

func (c *Client) sendSessionConfig() error {
	session := make(map[string]any, len(c.cfg.Session)+1)
	for k, v := range c.cfg.Session {
		session[k] = v
	}
	ApplyTurnMode(session, c.cfg.Mode, c.cfg.Family)
	return c.send(map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// SendText submits a text input item to the session.
func (c *Client) SendText(text string) error {
	return c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// CommitTurn signals end-of-turn in manual mode: commit the input buffer
// and ask for a response. A no-op under auto turn detection.
func (c *Client) CommitTurn() error {
	if c.cfg.Mode != TurnModeManual {
		return nil
	}
	if err := c.send(map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return c.send(map[string]any{"type": "response.create"})
}

// send marshals and writes one client event on the loop, blocking for the
// write result.
func (c *Client) send(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode client event: %w", err)
	}
	res := <-c.loop.RunAsync(func(ctx context.Context) (any, error) {
		return nil, c.conn.Write(ctx, websocket.MessageText, data)
	})
	return res.Err
}

// receivePump reads server events until the connection or loop ends.
func (c *Client) receivePump(ctx context.Context) {
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.logger.Debug("receive pump ended", "error", err)
			return
		}
		ev := ServerEvent{Raw: data}
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Debug("undecodable server event", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the connection; the receive pump drains out on its own.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
