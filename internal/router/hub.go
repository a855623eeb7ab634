// Package router is the dispatch core: it tracks live connections and
// routes every inbound protocol message to the session, identity,
// security and synthesis layers.
package router

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lingocast/lingocast/internal/observability"
)

// Conn is one live websocket connection as the router sees it. Outbound
// delivery is a buffered channel drained by a single writer goroutine;
// when the buffer is full the message is dropped rather than blocking
// the broadcast path.
type Conn struct {
	ID         string
	RemoteAddr string

	send    chan any
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

// TrySend queues msg for delivery. Returns false when the connection is
// saturated or gone.
func (c *Conn) TrySend(msg any) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Outbound is drained by the transport's writer goroutine.
func (c *Conn) Outbound() <-chan any { return c.send }

func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) Closed() <-chan struct{} { return c.closed }

// AllowMessage enforces the per-connection message rate, independent of
// the per-identity operation classes.
func (c *Conn) AllowMessage() bool { return c.limiter.Allow() }

// Hub is the registry of live connections.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	buffer  int
	perSec  rate.Limit
	burst   int
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewHub(sendBuffer, msgPerSec, msgBurst int, metrics *observability.Metrics, log zerolog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if msgPerSec <= 0 {
		msgPerSec = 25
	}
	if msgBurst <= 0 {
		msgBurst = msgPerSec * 2
	}
	return &Hub{
		conns:   make(map[string]*Conn),
		buffer:  sendBuffer,
		perSec:  rate.Limit(msgPerSec),
		burst:   msgBurst,
		metrics: metrics,
		log:     log,
	}
}

func (h *Hub) Register(remoteAddr string) *Conn {
	c := &Conn{
		ID:         "conn_" + uuid.NewString(),
		RemoteAddr: remoteAddr,
		send:       make(chan any, h.buffer),
		limiter:    rate.NewLimiter(h.perSec, h.burst),
		closed:     make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Connections.Set(float64(h.Count()))
	}
	return c
}

func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()

	if ok {
		c.Close()
	}
	if h.metrics != nil {
		h.metrics.Connections.Set(float64(h.Count()))
	}
}

func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// SendTo queues msg for one connection. Drops silently if the connection
// is gone, drops with a log line if it is saturated.
func (h *Hub) SendTo(connID string, msg any) bool {
	c, ok := h.Get(connID)
	if !ok {
		return false
	}
	if !c.TrySend(msg) {
		h.log.Warn().Str("conn_id", connID).Msg("outbound queue saturated, dropping message")
		return false
	}
	return true
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
