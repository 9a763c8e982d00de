package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"bronco-trade-agent-go/internal/strategy"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	EventActivation = "activation"
	EventSignal     = "signal"
)

// Event is the JSON frame pushed to websocket subscribers.
type Event struct {
	Type       string                `json:"type"`
	Activation *Activation           `json:"activation,omitempty"`
	Signal     *strategy.VirtualFill `json:"signal,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// writeWait bounds a single frame write to one client.
const writeWait = 5 * time.Second

// Hub broadcasts execution events to every connected websocket client.
type Hub struct {
	logger    *zap.Logger
	limit     int
	writeWait time.Duration

	qmu     sync.Mutex
	queue   []frame
	signals int
	wake    chan struct{}

	lock    sync.Mutex
	clients map[*websocket.Conn]struct{}
}

type frame struct {
	msg        []byte
	activation bool
}

// NewHub creates a hub that queues up to buffer signal frames. Signals beyond
// that are dropped so workers never wait on slow clients; activations are
// always queued, in order with the signals around them.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		logger:    logger.Named("ws-hub"),
		limit:     buffer,
		writeWait: writeWait,
		wake:      make(chan struct{}, 1),
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// Run writes queued frames to the clients until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.wake:
			for {
				f, ok := h.next()
				if !ok {
					break
				}
				h.write(f.msg)
			}
		}
	}
}

func (h *Hub) next() (frame, bool) {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	if len(h.queue) == 0 {
		return frame{}, false
	}
	f := h.queue[0]
	h.queue[0] = frame{}
	h.queue = h.queue[1:]
	if !f.activation {
		h.signals--
	}
	return f, true
}

// Queued is the number of frames waiting to be written.
func (h *Hub) Queued() int {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	return len(h.queue)
}

func (h *Hub) write(msg []byte) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		err := client.SetWriteDeadline(time.Now().Add(h.writeWait))
		if err == nil {
			err = client.WriteMessage(websocket.TextMessage, msg)
		}
		if err != nil {
			h.logger.Debug("Dropping websocket client", zap.Error(err))
			client.Close()
			delete(h.clients, client)
		}
	}
}

func (h *Hub) closeAll() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// Clients is the number of connected subscribers.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	h.lock.Lock()
	h.clients[conn] = struct{}{}
	h.lock.Unlock()

	// Subscribers only listen; reading detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.lock.Lock()
				if _, ok := h.clients[conn]; ok {
					conn.Close()
					delete(h.clients, conn)
				}
				h.lock.Unlock()
				return
			}
		}
	}()
}

func (h *Hub) OnActivation(a Activation) {
	h.publish(Event{Type: EventActivation, Activation: &a})
}

func (h *Hub) OnSignal(fill strategy.VirtualFill) {
	h.publish(Event{Type: EventSignal, Signal: &fill})
}

func (h *Hub) publish(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode execution event", zap.Error(err))
		return
	}

	activation := ev.Type == EventActivation
	h.qmu.Lock()
	if !activation && h.signals >= h.limit {
		h.qmu.Unlock()
		h.logger.Warn("Execution signal dropped, hub queue full")
		return
	}
	h.queue = append(h.queue, frame{msg: msg, activation: activation})
	if !activation {
		h.signals++
	}
	h.qmu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}
