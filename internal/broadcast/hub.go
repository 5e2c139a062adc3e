package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/events"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

// Conn is one live dashboard connection. Write is only ever called from the
// client's own writer goroutine.
type Conn interface {
	Write(ctx context.Context, msg any) error
	Close() error
}

// ControlMessage carries everything that is not a domain event.
type ControlMessage struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Message      string    `json:"message,omitempty"`
	Subscribers  int       `json:"subscribers,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Hub owns the set of live subscribers and fans domain events out to them.
// It implements events.Listener: Deliver only enqueues, so one stalled
// connection never holds up the others or the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client

	greeting     string
	sendBuffer   int
	writeTimeout time.Duration
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

type Option func(*Hub)

func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.log = l.With().Str("component", "broadcast").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSendBuffer sets how many messages may queue for one client before it
// is considered dead.
func WithSendBuffer(n int) Option {
	return func(h *Hub) { h.sendBuffer = n }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

func WithGreeting(msg string) Option {
	return func(h *Hub) { h.greeting = msg }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:      make(map[uuid.UUID]*Client),
		greeting:     "Connected",
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sendBuffer < 1 {
		h.sendBuffer = 1
	}
	return h
}

// Subscribe registers conn and starts its writer. The client receives a
// connected message first, then every event delivered after this call.
func (h *Hub) Subscribe(conn Conn) *Client {
	c := &Client{
		ID:       uuid.New(),
		JoinedAt: time.Now().UTC(),
		hub:      h,
		conn:     conn,
		out:      make(chan any, h.sendBuffer+1),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	c.out <- ControlMessage{
		Type:         "connected",
		ConnectionID: c.ID.String(),
		Message:      h.greeting,
		Subscribers:  n,
		Timestamp:    c.JoinedAt,
	}
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.log.Info().Str("connection_id", c.ID.String()).Int("subscribers", n).Msg("subscriber connected")

	go c.writeLoop()
	return c
}

// Unsubscribe removes the client. Its writer closes the connection once any
// in-progress write returns. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.remove(id, "")
}

func (h *Hub) remove(id uuid.UUID, reason string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	c.shutdown()
	h.metrics.SetSubscribers(n)

	if reason != "" {
		h.metrics.ObserveClientDrop()
		h.log.Warn().Str("connection_id", id.String()).Str("reason", reason).Int("subscribers", n).Msg("subscriber dropped")
		return
	}
	h.log.Info().Str("connection_id", id.String()).Int("subscribers", n).Msg("subscriber disconnected")
}

// Deliver implements events.Listener.
func (h *Hub) Deliver(ev appointment.Event) {
	msg := events.Encode(ev)

	var backedUp []uuid.UUID
	h.mu.RLock()
	for id, c := range h.clients {
		if !c.enqueue(msg) {
			backedUp = append(backedUp, id)
		}
	}
	h.mu.RUnlock()

	h.metrics.ObserveFanOut()
	for _, id := range backedUp {
		h.remove(id, "send queue full")
	}
}

// Count is the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber. It does not wait for the connections
// to be closed.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[uuid.UUID]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	h.metrics.SetSubscribers(0)
}

type Client struct {
	ID       uuid.UUID
	JoinedAt time.Time

	hub  *Hub
	conn Conn
	out  chan any
	done chan struct{}
	once sync.Once
}

// Done is closed once the client has been removed from the hub.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Pong answers a client ping through the ordered send queue.
func (c *Client) Pong() {
	if !c.enqueue(ControlMessage{Type: "pong", Timestamp: time.Now().UTC()}) {
		c.hub.remove(c.ID, "send queue full")
	}
}

func (c *Client) enqueue(msg any) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// writeLoop is the only goroutine that touches conn, so closing it here
// never waits behind a stalled write while the hub or the bus lock is held.
func (c *Client) writeLoop() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), c.hub.writeTimeout)
			err := c.conn.Write(ctx, msg)
			cancel()
			if err != nil {
				c.hub.log.Debug().Err(err).Str("connection_id", c.ID.String()).Msg("write to subscriber failed")
				c.hub.remove(c.ID, "write failed")
				return
			}
		}
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}
