// WebSocket sink: broadcasts engine events to connected clients.
package event

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapx/risk-engine/internal/breaker"
	"github.com/tapx/risk-engine/internal/metrics"
	"github.com/tapx/risk-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type       string  `json:"type"`
	BetID      string  `json:"bet_id,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
	Direction  string  `json:"direction,omitempty"`
	Amount     string  `json:"amount,omitempty"`
	Multiplier string  `json:"multiplier,omitempty"`
	Status     string  `json:"status,omitempty"`
	Payout     string  `json:"payout,omitempty"`
	FinalPrice float64 `json:"final_price,omitempty"`
	Level      string  `json:"level,omitempty"`
	Allow      *bool   `json:"allow_betting,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts engine events to all
// connected clients. It implements Sink.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			slog.Info("ws client connected", "total", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case msg := <-h.broadcast:
			// Full lock: a failed write removes the client from the map,
			// which must exclude the ping goroutines reading it.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// OnBetPlaced implements Sink.
func (h *WSHub) OnBetPlaced(bet *model.Bet) {
	h.send(WSMessage{
		Type:       "bet_placed",
		BetID:      bet.ID,
		UserID:     bet.UserID,
		Direction:  string(bet.Direction),
		Amount:     bet.Amount.String(),
		Multiplier: bet.Multiplier.String(),
	})
}

// OnBetResolved implements Sink.
func (h *WSHub) OnBetResolved(result *model.SettlementResult) {
	msg := WSMessage{
		Type:       "bet_resolved",
		BetID:      result.Bet.ID,
		UserID:     result.Bet.UserID,
		Direction:  string(result.Bet.Direction),
		Status:     string(result.Bet.Status),
		Payout:     result.NetPayout.String(),
		FinalPrice: result.FinalPrice,
	}
	h.send(msg)
}

// OnBreakerChanged implements Sink.
func (h *WSHub) OnBreakerChanged(state breaker.State) {
	allow := state.AllowBetting
	h.send(WSMessage{
		Type:  "breaker_changed",
		Level: string(state.Level),
		Allow: &allow,
	})
}

func (h *WSHub) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the engine.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
