package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/usecase"
	"github.com/satriahrh/professor-bot/utils/log"
	"go.uber.org/zap"
)

// Client is one browser tab attached to a session. Commands arrive on the
// socket; every session event is pushed back as JSON.
type Client struct {
	conn    *websocket.Conn
	session *usecase.Session
	broker  domain.MessageBroker
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
}

// Command is an inbound client message.
type Command struct {
	Type    string                      `json:"type"`
	Content string                      `json:"content,omitempty"`
	Config  *domain.GenerationOverrides `json:"config,omitempty"`
}

const (
	CommandMessage = "message"
	CommandClear   = "clear"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// NewClient creates a new WebSocket client
func NewClient(conn *websocket.Conn, session *usecase.Session, broker domain.MessageBroker) *Client {
	ctx, cancel := context.WithCancel(session.Context(context.Background()))
	return &Client{
		conn:    conn,
		session: session,
		broker:  broker,
		send:    make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run subscribes to the session's events, sends the current transcript and
// starts the pumps.
func (c *Client) Run() error {
	events, err := c.broker.Subscribe(c.ctx, domain.SessionEventsTopic, c.session.ID())
	if err != nil {
		c.Close()
		return err
	}

	c.setupHandlers()
	c.sendEvent(domain.SessionEvent{Type: domain.EventSnapshot, Turns: c.session.Transcript()})

	go c.forwardEvents(events)
	go c.readPump()
	go c.writePump()
	return nil
}

// setupHandlers configures all WebSocket message handlers
func (c *Client) setupHandlers() {
	c.conn.SetCloseHandler(func(code int, text string) error {
		log.WithCtx(c.ctx).Debug("WebSocket connection closed", zap.Int("code", code), zap.String("text", text))
		c.Close()
		return nil
	})

	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// Close gracefully closes the client connection and cancels any reply it
// is still generating
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.cancel()
	c.conn.Close()
}

// IsClosed returns true if the client connection is closed
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Context returns the client's context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Wait blocks until submissions started by this client have returned.
func (c *Client) Wait() {
	c.pending.Wait()
}

// forwardEvents relays broker messages for the session to the socket
func (c *Client) forwardEvents(events <-chan domain.Message) {
	defer c.broker.Unsubscribe(domain.SessionEventsTopic, c.session.ID(), events)

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				c.Close()
				return
			}
			if err := c.SendMessage(msg.Payload); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readPump handles incoming WebSocket messages
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithCtx(c.ctx).Error("WebSocket error", zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.reject("malformed command")
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *Client) dispatch(cmd Command) {
	switch cmd.Type {
	case CommandClear:
		c.session.Clear(c.ctx)
	case CommandMessage:
		// Generation runs off the read loop so pongs keep arriving; the
		// session itself refuses a second submission while one is running.
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			cfg := cmd.Config.Apply(c.session.Defaults())
			if _, err := c.session.Submit(c.ctx, cmd.Content, cfg, nil); err != nil && !errors.Is(err, domain.ErrTransport) && !errors.Is(err, domain.ErrCleared) {
				c.reject(err.Error())
			}
		}()
	default:
		c.reject("unknown command type " + cmd.Type)
	}
}

// reject answers a command the session refused. Transport failures are
// reported through the session's own "failed" event instead.
func (c *Client) reject(reason string) {
	c.sendEvent(domain.SessionEvent{Type: domain.EventRejected, Error: reason})
}

func (c *Client) sendEvent(event domain.SessionEvent) {
	event.SessionID = c.session.ID()
	event.Timestamp = time.Now()
	payload, err := json.Marshal(event)
	if err != nil {
		log.WithCtx(c.ctx).Error("Failed to marshal event", zap.Error(err))
		return
	}
	c.SendMessage(payload)
}

// writePump handles outgoing WebSocket messages and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.WithCtx(c.ctx).Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithCtx(c.ctx).Debug("Failed to send ping", zap.Error(err))
				return
			}

		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// SendMessage queues a message for the client
func (c *Client) SendMessage(message []byte) error {
	if c.IsClosed() {
		return websocket.ErrCloseSent
	}

	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		// Channel is full, close the connection
		c.Close()
		return websocket.ErrCloseSent
	}
}
