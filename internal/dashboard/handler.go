package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/sanjanb/lifelab/internal/auth"
	"github.com/sanjanb/lifelab/internal/migrate"
	"github.com/sanjanb/lifelab/internal/queue"
	"github.com/sanjanb/lifelab/internal/types"
)

// QueueSource is the observable offline queue.
type QueueSource interface {
	State() types.QueueState
	Subscribe(fn queue.Listener) (unsubscribe func())
}

// AuthSource is the observable auth gate.
type AuthSource interface {
	State() types.AuthState
	OnAuthStateChange(fn auth.Listener) (unsubscribe func())
}

// MigrationSource reports migration progress.
type MigrationSource interface {
	Status(ctx context.Context) (migrate.Status, error)
	LastResult() (types.MigrationResult, bool)
}

// MigrationData is the payload of a migration message.
type MigrationData struct {
	Status migrate.Status         `json:"status"`
	Result *types.MigrationResult `json:"result,omitempty"`
}

// Handler bridges the persistence layer's observables to a Server.
type Handler struct {
	server    *Server
	queue     QueueSource
	auth      AuthSource
	migration MigrationSource
	logger    *log.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewHandler creates a handler and installs its routes and greeting on
// server. Any source may be nil. Call Attach to start forwarding changes.
func NewHandler(server *Server, q QueueSource, a AuthSource, m MigrationSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		server:    server,
		queue:     q,
		auth:      a,
		migration: m,
		logger:    logger,
	}
	server.snapshot = h.snapshot
	server.routes = h.routes
	return h
}

// Attach subscribes to the sources. The queue subscription delivers the
// current state immediately, which is also broadcast.
func (h *Handler) Attach() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.queue != nil {
		h.unsubs = append(h.unsubs, h.queue.Subscribe(h.OnQueueState))
	}
	if h.auth != nil {
		h.unsubs = append(h.unsubs, h.auth.OnAuthStateChange(h.OnAuthState))
	}
}

// Detach removes all subscriptions.
func (h *Handler) Detach() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// OnQueueState broadcasts a queue state change.
func (h *Handler) OnQueueState(state types.QueueState) {
	if msg, ok := h.message(MessageTypeQueueState, state); ok {
		h.server.Broadcast(msg)
	}
}

// OnAuthState broadcasts an auth state change.
func (h *Handler) OnAuthState(state types.AuthState) {
	if msg, ok := h.message(MessageTypeAuthState, state); ok {
		h.server.Broadcast(msg)
	}
}

// OnMigration broadcasts the current migration status. WatchMigration calls
// it on every change; callers that drive a migration in-process may also
// invoke it directly after a step completes.
func (h *Handler) OnMigration(ctx context.Context) {
	data, err := h.migrationData(ctx)
	if err != nil {
		h.logger.Printf("Failed to read migration status: %v", err)
		return
	}
	if msg, ok := h.message(MessageTypeMigration, data); ok {
		h.server.Broadcast(msg)
	}
}

// WatchMigration checks migration status every interval and broadcasts it
// when it differs from the last status seen, so a migration run or skipped
// from another process reaches connected clients. It returns ctx.Err() when
// ctx is done, or nil at once when the handler has no migration source.
func (h *Handler) WatchMigration(ctx context.Context, interval time.Duration) error {
	if h.migration == nil {
		return nil
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var last []byte
	if data, err := h.migrationData(ctx); err == nil {
		last, _ = json.Marshal(data)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			data, err := h.migrationData(ctx)
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Printf("Failed to read migration status: %v", err)
				}
				continue
			}
			encoded, err := json.Marshal(data)
			if err != nil || bytes.Equal(encoded, last) {
				continue
			}
			last = encoded
			h.server.Broadcast(Message{Type: MessageTypeMigration, Timestamp: time.Now(), Data: encoded})
		}
	}
}

func (h *Handler) message(t MessageType, v interface{}) (Message, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", t, err)
		return Message{}, false
	}
	return Message{Type: t, Timestamp: time.Now(), Data: data}, true
}

func (h *Handler) migrationData(ctx context.Context) (MigrationData, error) {
	status, err := h.migration.Status(ctx)
	if err != nil {
		return MigrationData{}, err
	}
	data := MigrationData{Status: status}
	if result, ok := h.migration.LastResult(); ok {
		data.Result = &result
	}
	return data, nil
}

// snapshot is the greeting sent to each new client.
func (h *Handler) snapshot() []Message {
	var msgs []Message
	if h.queue != nil {
		if msg, ok := h.message(MessageTypeQueueState, h.queue.State()); ok {
			msgs = append(msgs, msg)
		}
	}
	if h.auth != nil {
		if msg, ok := h.message(MessageTypeAuthState, h.auth.State()); ok {
			msgs = append(msgs, msg)
		}
	}
	if h.migration != nil {
		data, err := h.migrationData(context.Background())
		if err != nil {
			h.logger.Printf("Failed to read migration status: %v", err)
		} else if msg, ok := h.message(MessageTypeMigration, data); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (h *Handler) routes(r *mux.Router) {
	r.HandleFunc("/api/state", h.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/migration", h.handleMigration).Methods(http.MethodGet)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Queue *types.QueueState `json:"queue,omitempty"`
		Auth  *types.AuthState  `json:"auth,omitempty"`
	}{}
	if h.queue != nil {
		state := h.queue.State()
		resp.Queue = &state
	}
	if h.auth != nil {
		state := h.auth.State()
		resp.Auth = &state
	}
	writeJSON(w, resp)
}

func (h *Handler) handleMigration(w http.ResponseWriter, r *http.Request) {
	if h.migration == nil {
		http.Error(w, "migration status unavailable", http.StatusNotFound)
		return
	}
	data, err := h.migrationData(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, data)
}
