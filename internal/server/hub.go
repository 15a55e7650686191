package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/ledger/internal/gitsync"
)

// MessageType identifies a websocket event
type MessageType string

const (
	// MessageTypeConnected greets a newly connected client
	MessageTypeConnected MessageType = "connected"

	// MessageTypeRecordUpdate indicates a record was saved or deleted, or a receipt uploaded
	MessageTypeRecordUpdate MessageType = "record_update"

	// MessageTypeSyncComplete indicates a sync run finished
	MessageTypeSyncComplete MessageType = "sync_complete"
)

// Message is one event pushed to websocket clients
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RecordUpdateData describes a change to a collection
type RecordUpdateData struct {
	Collection string `json:"collection"`
	Action     string `json:"action"` // saved, deleted, uploaded
	ID         int64  `json:"id,omitempty"`
	File       string `json:"file,omitempty"`
}

// SyncCompleteData summarizes a finished sync run
type SyncCompleteData struct {
	Trigger  string            `json:"trigger"`
	OK       bool              `json:"ok"`
	Pushed   int               `json:"pushed"`
	Duration time.Duration     `json:"duration"`
	Outcomes []gitsync.Outcome `json:"outcomes"`
}

var _ gitsync.Observer = (*Hub)(nil)

// Hub fans events out to connected websocket clients
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

func newHub(logger *log.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// close disconnects every client and stops the broadcast loop
func (h *Hub) close() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Publish queues an event of type t carrying data
func (h *Hub) Publish(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", t, err)
		return
	}
	h.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: raw})
}

// Broadcast queues msg for every client; it drops the message when the queue is full
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
		return
	default:
		h.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// RunFinished implements gitsync.Observer
func (h *Hub) RunFinished(ctx context.Context, report gitsync.Report) error {
	h.Publish(MessageTypeSyncComplete, SyncCompleteData{
		Trigger:  report.Trigger,
		OK:       report.OK(),
		Pushed:   report.Pushed(),
		Duration: report.Duration(),
		Outcomes: report.Outcomes,
	})
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.logger.Printf("Failed to send to client: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades the request and registers the client
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	if h.ctx.Err() != nil {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}

	// The welcome goes out before registration so it is always the first frame
	welcome, _ := json.Marshal(Message{Type: MessageTypeConnected, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	// close() cancels before sweeping clients, so a registration that
	// sees a live context is always swept
	h.clientsMu.Lock()
	if h.ctx.Err() != nil {
		h.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("Client connected (total: %d)", clientCount)

	go h.readLoop(conn)
}

// readLoop discards client frames and notices disconnects
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}
