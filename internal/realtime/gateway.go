package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/LeventeLantos/relay/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Handler processes one inbound client event.
type Handler func(ctx context.Context, c *Conn, data json.RawMessage)

type Gateway struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewGateway(hub *Hub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		handlers: make(map[string]Handler),
	}
}

// On registers h for inbound frames named event, replacing any previous one.
func (g *Gateway) On(event string, h Handler) {
	g.mu.Lock()
	g.handlers[event] = h
	g.mu.Unlock()
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Serve upgrades the request and runs the connection until it closes.
// identity may be nil for anonymous connections.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, identity *model.User) error {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Conn{
		id:       uuid.NewString(),
		ws:       ws,
		send:     make(chan Frame, sendBuffer),
		done:     make(chan struct{}),
		identity: identity,
		gateway:  g,
	}
	g.hub.Register(c)
	if identity != nil {
		g.hub.Join(c, identity.ID)
	}
	g.logger.Info("client connected", "conn", c.id)

	go c.writePump()
	c.readPump(r.Context())
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, f Frame) {
	g.mu.RLock()
	h, ok := g.handlers[f.Event]
	g.mu.RUnlock()

	if !ok {
		g.logger.Debug("no handler for client event", "conn", c.id, "event", f.Event)
		c.Emit(model.EventError, map[string]string{"message": "unknown event " + f.Event})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("client event handler panic recovered", "event", f.Event, "panic", r)
			c.Emit(model.EventError, map[string]string{"message": "internal error"})
		}
	}()
	h(ctx, c, f.Data)
}

type Conn struct {
	id       string
	ws       *websocket.Conn
	send     chan Frame
	identity *model.User
	gateway  *Gateway

	closeOnce sync.Once
	done      chan struct{}
}

var _ Subscriber = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

// Identity is the authenticated user behind the connection, if any.
func (c *Conn) Identity() *model.User { return c.identity }

// Join subscribes the connection to room.
func (c *Conn) Join(room string) { c.gateway.hub.Join(c, room) }

func (c *Conn) Send(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Emit sends an event to this connection only.
func (c *Conn) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.gateway.logger.Error("encode frame", "event", event, "error", err)
		return
	}
	c.Send(Frame{Event: event, Data: data})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.gateway.hub.Unregister(c)
		_ = c.ws.Close()
		c.gateway.logger.Info("client disconnected", "conn", c.id)
	})
}

func (c *Conn) readPump(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gateway.logger.Warn("websocket read failed", "conn", c.id, "error", err)
			}
			return
		}
		if f.Event == "" {
			c.Emit(model.EventError, map[string]string{"message": "event name required"})
			continue
		}
		c.gateway.dispatch(ctx, c, f)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
