// Package monitor streams epoch summaries of a training run to websocket
// clients.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/tsawler/go-resnet3d/training"
)

const clientBuffer = 64

// Hub keeps the epoch history of a run and broadcasts every new summary.
// Clients connecting late are sent the history first.
type Hub struct {
	mu      sync.RWMutex
	history [][]byte
	clients map[*client]struct{}
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// ObserveEpoch records a summary and sends it to every client. Clients
// whose buffer is full are disconnected.
func (h *Hub) ObserveEpoch(summary training.EpochSummary) {
	msg, err := json.Marshal(summary)
	if err != nil {
		log.Printf("monitor: failed to encode epoch %d summary: %v", summary.Epoch, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, msg)
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			c.close()
		}
	}
}

// History returns the recorded summaries in order
func (h *Hub) History() ([]training.EpochSummary, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	summaries := make([]training.EpochSummary, len(h.history))
	for i, msg := range h.history {
		if err := json.Unmarshal(msg, &summaries[i]); err != nil {
			return nil, fmt.Errorf("failed to decode summary %d: %w", i, err)
		}
	}
	return summaries, nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler serves the websocket stream on /ws and the history as a JSON
// array on /api/history.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", websocket.Handler(h.handleWSClient))
	mux.HandleFunc("/api/history", h.handleAPIHistory)
	return mux
}

func (h *Hub) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	body := []byte("[")
	for i, msg := range h.history {
		if i > 0 {
			body = append(body, ',')
		}
		body = append(body, msg...)
	}
	h.mu.RUnlock()
	body = append(body, ']')

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (h *Hub) handleWSClient(ws *websocket.Conn) {
	c := h.register(ws)
	defer h.unregister(c)

	// Clients send nothing; reading detects the disconnect
	go func() {
		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				h.unregister(c)
				return
			}
		}
	}()

	for msg := range c.send {
		if err := websocket.Message.Send(ws, string(msg)); err != nil {
			return
		}
	}
}

// register adds a client with the history already queued
func (h *Hub) register(ws *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &client{
		ws:   ws,
		send: make(chan []byte, len(h.history)+clientBuffer),
	}
	for _, msg := range h.history {
		c.send <- msg
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// Serve listens on addr until ctx is done
func (h *Hub) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down monitor server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
