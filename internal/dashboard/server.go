// Package dashboard is the WebSocket bridge between a running session and the
// attendance UI.
//
// The server pushes badge updates (pending outbox count) and the results of
// sync and drain passes to every connected client. Clients send a focus
// message when the UI window regains focus, which requests a drain pass.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypePendingCount carries the outbox pending count
	MessageTypePendingCount MessageType = "pending_count"

	// MessageTypeSyncComplete reports a pull from the remote
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeDrainComplete reports a drain pass
	MessageTypeDrainComplete MessageType = "drain_complete"
)

// ClientMessageFocus is sent by the UI when its window regains focus.
const ClientMessageFocus = "focus"

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is a message received from a client.
type ClientMessage struct {
	Type string `json:"type"`
}

// PendingCountData is the payload of a pending_count message.
type PendingCountData struct {
	Pending int `json:"pending"`
}

// SyncCompleteData is the payload of a sync_complete message.
type SyncCompleteData struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// DrainCompleteData is the payload of a drain_complete message.
type DrainCompleteData struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hooksMu sync.RWMutex
	onFocus func()
	pending func(context.Context) (int, error)

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7717)
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns the default listen address and logger.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:7717",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// OnFocus sets the function called when a client reports focus.
func (s *Server) OnFocus(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onFocus = fn
}

// PendingSource sets the function used to greet new clients with the
// current pending count.
func (s *Server) PendingSource(fn func(context.Context) (int, error)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.pending = fn
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues msg for every connected client. Messages are dropped when
// the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastData wraps data in a message of type t and broadcasts it.
func (s *Server) BroadcastData(t MessageType, data any) {
	msg, err := newMessage(t, data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s data: %v", t, err)
		return
	}
	s.Broadcast(msg)
}

func newMessage(t MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Timestamp: time.Now(), Data: raw}, nil
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)
	s.greet(conn)

	go s.readLoop(conn)
}

// greet sends the current pending count to a new client.
func (s *Server) greet(conn *websocket.Conn) {
	s.hooksMu.RLock()
	pending := s.pending
	s.hooksMu.RUnlock()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	var data PendingCountData
	if pending != nil {
		n, err := pending(ctx)
		if err != nil {
			s.logger.Printf("Warning: failed to count pending jobs: %v", err)
		}
		data.Pending = n
	}
	msg, err := newMessage(MessageTypePendingCount, data)
	if err != nil {
		return
	}
	_ = wsjson.Write(ctx, conn, msg)
}

// readLoop handles client messages until the client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		var msg ClientMessage
		if err := wsjson.Read(s.ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case ClientMessageFocus:
			s.hooksMu.RLock()
			fn := s.onFocus
			s.hooksMu.RUnlock()
			if fn != nil {
				fn()
			}
		default:
			s.logger.Printf("Warning: ignoring client message %q", msg.Type)
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
