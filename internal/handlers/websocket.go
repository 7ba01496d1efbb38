package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/interfaces"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"golang.org/x/time/rate"
)

// A nil CheckOrigin makes gorilla refuse cross-origin upgrades
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	writeTimeout     = 5 * time.Second
	maxQueuedChanges = 256
)

// WSMessage is the envelope of every message sent on /ws
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// StatusPayload is sent once when a client connects
type StatusPayload struct {
	Count            int                 `json:"count"`
	Policy           models.AppendPolicy `json:"policy"`
	ServerInstanceID string              `json:"server_instance_id"`
	Build            common.BuildInfo    `json:"build"`
}

// TokenFeed is the part of the token service the change feed needs
type TokenFeed interface {
	List(ctx context.Context) ([]models.CapturedToken, error)
	Subscribe(listener interfaces.TokenListener) func()
	Policy() models.AppendPolicy
}

// WebSocketHandler pushes a tokens_changed message to every connected
// client whenever the store commits a mutation. Changes are queued by the
// store listener and sent from one dispatch loop, so a slow client never
// blocks a writer and messages keep commit order. Bursts are throttled; the
// last change of a burst is always delivered.
type WebSocketHandler struct {
	logger           arbor.ILogger
	feed             TokenFeed
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	throttler        *rate.Limiter // nil = no throttling
	interval         time.Duration
	unsubscribe      func()
	serverInstanceID string // clients use it to detect a daemon restart

	queueMu   sync.Mutex
	queue     []models.TokenChange
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketHandler(feed TokenFeed, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		feed:             feed,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: uuid.New().String(),
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}

	if config != nil && config.ThrottleInterval != "" {
		if duration, err := time.ParseDuration(config.ThrottleInterval); err == nil && duration > 0 {
			h.interval = duration
			h.throttler = rate.NewLimiter(rate.Every(duration), 1)
			logger.Debug().
				Str("interval", config.ThrottleInterval).
				Msg("Throttler initialized for tokens_changed events")
		} else if err != nil {
			logger.Warn().
				Err(err).
				Str("interval", config.ThrottleInterval).
				Msg("Failed to parse throttle interval - throttler disabled")
		}
	}

	common.SafeGo(logger, "ws-dispatch", h.dispatchLoop)

	if feed != nil {
		h.unsubscribe = feed.Subscribe(h.onChange)
	}

	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until the client leaves
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	// Clear any deadline the HTTP server left on the hijacked connection
	conn.SetReadDeadline(time.Time{})

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.sendStatus(r.Context(), conn, mutex)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	// Read until the client goes away; clients never send anything meaningful
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// Close stops listening to the store and disconnects all clients
func (h *WebSocketHandler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.clientMutex = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) sendStatus(ctx context.Context, conn *websocket.Conn, mutex *sync.Mutex) {
	count := 0
	var policy models.AppendPolicy
	if h.feed != nil {
		if list, err := h.feed.List(ctx); err == nil {
			count = len(list)
		}
		policy = h.feed.Policy()
	}

	data, err := json.Marshal(WSMessage{
		Type: "status",
		Payload: StatusPayload{
			Count:            count,
			Policy:           policy,
			ServerInstanceID: h.serverInstanceID,
			Build:            common.CurrentBuild(),
		},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal status message")
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send status to client")
	}
}

// onChange is the store listener. It runs on the mutating goroutine, so it
// only queues the change. A full queue keeps its newest entry.
func (h *WebSocketHandler) onChange(change models.TokenChange) {
	h.queueMu.Lock()
	if len(h.queue) >= maxQueuedChanges {
		h.queue[len(h.queue)-1] = change
	} else {
		h.queue = append(h.queue, change)
	}
	h.queueMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop broadcasts queued changes in order. While throttled, later
// changes collapse into one pending change flushed when the window passes.
func (h *WebSocketHandler) dispatchLoop() {
	var pending *models.TokenChange
	var flush <-chan time.Time

	for {
		select {
		case <-h.done:
			return

		case <-h.wake:
			h.queueMu.Lock()
			batch := h.queue
			h.queue = nil
			h.queueMu.Unlock()

			for _, change := range batch {
				if pending == nil && (h.throttler == nil || h.throttler.Allow()) {
					h.BroadcastChange(change)
					continue
				}
				latest := change
				pending = &latest
				if flush == nil {
					flush = time.After(h.interval)
				}
			}

		case <-flush:
			flush = nil
			if pending != nil {
				h.throttler.Allow()
				h.BroadcastChange(*pending)
				pending = nil
			}
		}
	}
}

// BroadcastChange sends a tokens_changed message to all connected clients
func (h *WebSocketHandler) BroadcastChange(change models.TokenChange) {
	data, err := json.Marshal(WSMessage{
		Type:    "tokens_changed",
		Payload: change,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal tokens_changed message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send tokens_changed to client")
		}
	}
}
