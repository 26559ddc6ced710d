package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/llama-lens/utils/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxCommandSize = 64 * 1024
	// outboxSize is generous: a long reply is one event per token.
	outboxSize = 1024
)

// Command is a message a host sends over the socket.
type Command struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Client is one connected host. Events queue in an outbox drained by the
// write goroutine; commands are decoded on the read goroutine.
type Client struct {
	conn     *websocket.Conn
	outbox   chan Event
	deviceID string
	onCmd    func(*Client, Command)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewClient wraps conn. onCmd is called from the read goroutine for every
// well-formed command.
func NewClient(conn *websocket.Conn, userID int, deviceID string, onCmd func(*Client, Command)) *Client {
	ctx := context.WithValue(context.Background(), log.UserIDKey, userID)
	ctx = context.WithValue(ctx, log.DeviceIDKey, deviceID)
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		conn:     conn,
		outbox:   make(chan Event, outboxSize),
		deviceID: deviceID,
		onCmd:    onCmd,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run starts the pumps and blocks until the connection is gone.
func (c *Client) Run() {
	c.conn.SetReadLimit(maxCommandSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	c.readPump()
	<-c.ctx.Done()
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

func (c *Client) Context() context.Context { return c.ctx }

func (c *Client) DeviceID() string { return c.deviceID }

// Send queues ev. A host whose outbox is full is disconnected instead of
// stalling everyone else.
func (c *Client) Send(ev Event) bool {
	if c.ctx.Err() != nil {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case c.outbox <- ev:
		return true
	default:
		log.WithCtx(c.ctx).Warn("Host is not reading, disconnecting", zap.String("event", ev.Type))
		c.Close()
		return false
	}
}

func (c *Client) readPump() {
	defer c.Close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithCtx(c.ctx).Warn("Host connection lost", zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.WithCtx(c.ctx).Warn("Ignoring malformed command", zap.Error(err))
			c.Send(Event{Type: EventError, Reason: "malformed command"})
			continue
		}
		if c.onCmd != nil {
			c.onCmd(c, cmd)
		}
	}
}

// writePump is the only writer of the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case ev := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				log.WithCtx(c.ctx).Warn("Failed to write event", zap.String("event", ev.Type), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
