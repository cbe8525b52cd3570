package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"store-sync-service/internal/logger"
	"store-sync-service/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SnapshotFunc builds the initial state pushed to a client on connect.
type SnapshotFunc func(ctx context.Context, storeID string) (map[string]any, error)

// WSHandler bridges the in-process bus to websocket clients. A valid sync
// token is required; connections without one are dropped immediately. The
// conflict and queue topics are only attached for admin tokens.
type WSHandler struct {
	bus      *Bus
	tokens   *security.TokenManager
	auditor  *security.Auditor
	snapshot SnapshotFunc
}

func NewWSHandler(b *Bus, tokens *security.TokenManager, auditor *security.Auditor, snapshot SnapshotFunc) *WSHandler {
	return &WSHandler{bus: b, tokens: tokens, auditor: auditor, snapshot: snapshot}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		h.auditor.Record(r.Context(), "", "", security.ActionTokenRejected, false,
			map[string]any{"reason": err.Error(), "channel": "websocket"})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	storeID := r.URL.Query().Get("store_id")
	if storeID == "" {
		storeID = claims.StoreID
	}
	// Non-admin tokens are bound to their own store topic.
	if !claims.Admin && storeID != claims.StoreID {
		h.auditor.Record(r.Context(), claims.StoreID, storeID, security.ActionChannelDenied, false,
			map[string]any{"channel": "store:" + storeID})
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	topics := []string{TopicGlobal, TopicStore(storeID)}
	if claims.Admin {
		topics = append(topics, TopicConflicts, TopicQueue)
	} else if r.URL.Query().Get("channel") == "conflicts" || r.URL.Query().Get("channel") == "queue" {
		h.auditor.Record(r.Context(), claims.StoreID, storeID, security.ActionChannelDenied, false,
			map[string]any{"channel": r.URL.Query().Get("channel")})
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	h.auditor.Record(r.Context(), claims.StoreID, storeID, security.ActionTokenValidated, true,
		map[string]any{"channel": "websocket"})

	sub := h.bus.Subscribe(topics...)
	// Gorilla connections support one concurrent writer. Every frame,
	// including replies to client requests, goes out through writePump;
	// readPump hands replies over on the out channel.
	out := make(chan Event, eventBuffer)
	go h.writePump(conn, sub, out, storeID)
	go h.readPump(conn, sub, out, storeID)
}

func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscription, out <-chan Event, storeID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	// Initial state so the client does not have to wait for the next event.
	if h.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		state, err := h.snapshot(ctx, storeID)
		cancel()
		if err == nil {
			h.writeJSON(conn, Event{Type: "initial_state", Data: state, Timestamp: time.Now()})
		} else {
			logger.Log.Warn("Failed to build initial state", zap.Error(err))
		}
	}

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			if err := h.writeJSON(conn, event); err != nil {
				return
			}
		case event := <-out:
			if err := h.writeJSON(conn, event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscription, out chan<- Event, storeID string) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		if req.Action == "get_status" && h.snapshot != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			state, err := h.snapshot(ctx, storeID)
			cancel()
			if err != nil {
				continue
			}
			// Best-effort, like bus delivery: a full out channel drops
			// the reply and the client re-requests.
			select {
			case out <- Event{Type: EventStatusUpdate, Data: state, Timestamp: time.Now()}:
			default:
			}
		}
	}
}

func (h *WSHandler) writeJSON(conn *websocket.Conn, event Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(event)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
