// Package dashboard serves the sync indicator over WebSocket.
//
// Connected clients receive the queue state, the auth state and migration
// progress as they change. A client that connects late is sent the current
// state first, so it never has to wait for the next change to render.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeQueueState carries a types.QueueState
	MessageTypeQueueState MessageType = "queue_state"

	// MessageTypeAuthState carries a types.AuthState
	MessageTypeAuthState MessageType = "auth_state"

	// MessageTypeMigration carries a MigrationData
	MessageTypeMigration MessageType = "migration"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// fanoutMu is held while a message is delivered and while a new client
	// is greeted and registered, so a client sees each broadcast either
	// folded into its greeting or after it.
	fanoutMu sync.Mutex

	broadcast chan Message

	// overflow holds the latest message of each type once broadcast is
	// full. While it is non-nil every broadcast lands here, so clients
	// always end on the newest state of each type.
	overflowMu    sync.Mutex
	overflow      map[MessageType]Message
	overflowOrder []MessageType
	overflowReady chan struct{}

	// snapshot returns the messages a new client is greeted with
	snapshot func() []Message

	// routes registers extra handlers on the router before it is served
	routes func(r *mux.Router)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (default: 7420, 0 picks a free port)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   7420,
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		clients:   make(map[*websocket.Conn]bool),
		broadcast:     make(chan Message, 100),
		overflowReady: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Router builds the HTTP routes. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.routes != nil {
		s.routes(r)
	}
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	return r
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Router(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
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

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues a message for all connected clients. It never blocks.
// When the buffer is full, messages are coalesced per type until the
// broadcast loop catches up: intermediate states may be skipped but the
// latest one of each type is always delivered.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if s.ctx.Err() != nil {
		return
	}

	s.overflowMu.Lock()
	if s.overflow == nil {
		select {
		case s.broadcast <- msg:
			s.overflowMu.Unlock()
			return
		default:
		}
		s.logger.Println("Warning: broadcast channel full, coalescing messages")
		s.overflow = make(map[MessageType]Message)
	}
	if _, ok := s.overflow[msg.Type]; !ok {
		s.overflowOrder = append(s.overflowOrder, msg.Type)
	}
	s.overflow[msg.Type] = msg
	s.overflowMu.Unlock()

	select {
	case s.overflowReady <- struct{}{}:
	default:
	}
}

// takeBacklog empties the buffer and then the overflow, returning the
// messages in delivery order. Buffered messages predate every overflowed
// one, and new broadcasts go to the buffer again only afterwards.
func (s *Server) takeBacklog() []Message {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()

	var msgs []Message
drain:
	for {
		select {
		case msg := <-s.broadcast:
			msgs = append(msgs, msg)
		default:
			break drain
		}
	}
	for _, t := range s.overflowOrder {
		msgs = append(msgs, s.overflow[t])
	}
	s.overflow = nil
	s.overflowOrder = nil
	return msgs
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			s.fanout(msg)

		case <-s.overflowReady:
			for _, msg := range s.takeBacklog() {
				s.fanout(msg)
			}
		}
	}
}

func (s *Server) fanout(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		if err := s.write(conn, data); err != nil {
			s.logger.Printf("Failed to send to client: %v", err)
			s.removeClient(conn)
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	if s.snapshot != nil {
		for _, msg := range s.snapshot() {
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := s.write(conn, data); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "")
				return
			}
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
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
	writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>LifeLab Sync</title>
</head>
<body>
    <h1>LifeLab Sync Status</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Queue state: <a href="/api/state">/api/state</a></p>
    <p>Migration: <a href="/api/migration">/api/migration</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
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
