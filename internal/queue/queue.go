// Package queue provides the durable offline write queue.
//
// Every write accepted while offline, or while the remote store is
// transiently failing, is appended to a durable log and later replayed
// against the remote in enqueue order. A failed head operation stays at the
// head and is retried with exponential backoff; later operations wait behind
// it. Operations are never reordered or coalesced, so replays must be
// idempotent, which upserts keyed by record id are.
//
// A single drain goroutine applies operations. It runs only while the source
// reports online, the gate reports a signed-in user, the queue is non-empty,
// and no attempt is already in flight. An operation is replayed only under
// the user that enqueued it; while someone else is signed in the head waits.
//
// Other processes may append to the same log. Refresh merges their rows and
// Watch polls for them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanjanb/lifelab/internal/auth"
	"github.com/sanjanb/lifelab/internal/connectivity"
	"github.com/sanjanb/lifelab/internal/types"
)

// RemoteStore is the target the queue replays operations against. Any error
// is treated as transient.
type RemoteStore interface {
	Upsert(ctx context.Context, collection types.Collection, id string, payload types.Payload) error
	Delete(ctx context.Context, collection types.Collection, id string) error
}

// OwnerScopedStore is implemented by remotes that can write on behalf of an
// explicit owner. When the remote implements it, operations are replayed
// against their recorded owner even if the identity changes mid-attempt.
type OwnerScopedStore interface {
	UpsertAs(ctx context.Context, owner string, collection types.Collection, id string, payload types.Payload) error
	DeleteAs(ctx context.Context, owner string, collection types.Collection, id string) error
}

// DefaultPollInterval is how often Watch looks for operations appended by
// other processes when no interval is given.
const DefaultPollInterval = 2 * time.Second

// AuthGate reports the established user identity.
type AuthGate interface {
	IsAuthenticated() bool
	State() types.AuthState
	OnAuthStateChange(fn auth.Listener) (unsubscribe func())
}

// Listener receives queue state on subscription and after every change.
type Listener func(types.QueueState)

type listenerEntry struct {
	id int
	fn Listener
}

// Config holds configuration for the queue.
type Config struct {
	// BaseDelay is the retry delay after the first failure (default: 1s)
	BaseDelay time.Duration

	// MaxDelay bounds the retry delay (default: 5m)
	MaxDelay time.Duration

	// AttemptTimeout bounds a single remote call (default: 30s)
	AttemptTimeout time.Duration

	// Logger for queue activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		AttemptTimeout: 30 * time.Second,
		Logger:         log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the offline write queue.
type Queue struct {
	log    Log
	remote RemoteStore
	gate   AuthGate
	source connectivity.Source
	config *Config

	// notifyMu serializes state transitions with their broadcasts so that
	// subscribers observe states in the order they happened.
	notifyMu sync.Mutex

	mu         sync.Mutex
	ops        []types.QueuedOperation
	online     bool
	processing bool
	backingOff bool
	retry      *time.Timer
	retryGen   int
	listeners  []listenerEntry
	nextID     int

	// cursor is the highest log seq read back from the log. Appends made
	// by this process do not advance it, so rows other processes commit
	// in between are still found by Refresh.
	cursor int64
	// heldFor is the operation last reported as waiting for its owner.
	heldFor string

	wake   chan struct{}
	unsubs []func()

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	now   func() time.Time
	newID func() string
}

// New creates a queue, loading any operations left in the log by a previous
// session. Use Start to begin draining and Stop to tear it down.
func New(ctx context.Context, opLog Log, remote RemoteStore, gate AuthGate, source connectivity.Source, config *Config) (*Queue, error) {
	if opLog == nil {
		return nil, fmt.Errorf("log cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("connectivity source cannot be nil")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ops, err := opLog.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if len(ops) > 0 {
		config.Logger.Printf("Resuming %d pending operations", len(ops))
	}

	q := &Queue{
		log:    opLog,
		remote: remote,
		gate:   gate,
		source: source,
		config: config,
		ops:    ops,
		cursor: maxSeq(ops),
		online: source.IsOnline(),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		newID:  uuid.NewString,
	}

	q.unsubs = append(q.unsubs,
		source.Subscribe(q.onConnectivity),
		gate.OnAuthStateChange(q.onAuth),
	)
	return q, nil
}

// Start launches the drain loop. It returns immediately.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run()
	q.signal()
}

// Stop ends the drain loop and detaches from the gate and the source. The
// in-flight attempt, if any, is allowed to finish; pending operations stay
// in the log for the next session.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	unsubs := q.unsubs
	q.unsubs = nil
	q.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue appends op to the durable log and returns without waiting for the
// network. OperationID and EnqueuedAt are filled in when empty, and OwnerID
// defaults to the user currently signed in.
func (q *Queue) Enqueue(ctx context.Context, op types.QueuedOperation) (types.QueuedOperation, error) {
	if op.OperationID == "" {
		op.OperationID = q.newID()
	}
	if op.OwnerID == "" {
		op.OwnerID = q.gate.State().UserID
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now().UTC()
	}
	if err := op.Validate(); err != nil {
		return op, err
	}

	var appendErr error
	q.transition(func() bool {
		// Appending under the lock keeps log order and memory order identical.
		seq, err := q.log.Append(ctx, op)
		if err != nil {
			appendErr = err
			return false
		}
		op.Seq = seq
		q.ops = append(q.ops, op)
		return true
	})
	if appendErr != nil {
		return op, fmt.Errorf("failed to enqueue %s %s/%s: %w", op.Kind, op.Collection, op.RecordID, appendErr)
	}

	q.signal()
	return op, nil
}

// Refresh merges operations other processes appended to the log since the
// last refresh and wakes the drain loop if any were found. It returns the
// number of operations added.
func (q *Queue) Refresh(ctx context.Context) (int, error) {
	var (
		added   int
		loadErr error
	)
	q.transition(func() bool {
		// Reading under the lock keeps a concurrent completion from
		// removing a row between the read and the merge.
		loaded, err := q.log.LoadAfter(ctx, q.cursor)
		if err != nil {
			loadErr = err
			return false
		}

		known := make(map[string]struct{}, len(q.ops))
		for _, op := range q.ops {
			known[op.OperationID] = struct{}{}
		}
		for _, op := range loaded {
			if op.Seq > q.cursor {
				q.cursor = op.Seq
			}
			if _, ok := known[op.OperationID]; ok {
				continue
			}
			q.ops = append(q.ops, op)
			added++
		}
		if added == 0 {
			return false
		}
		q.sortPendingLocked()
		return true
	})
	if loadErr != nil {
		return 0, fmt.Errorf("failed to refresh queue: %w", loadErr)
	}
	if added > 0 {
		q.config.Logger.Printf("Picked up %d operations from the log", added)
		q.signal()
	}
	return added, nil
}

// Watch calls Refresh every interval until ctx is done. Refresh errors are
// logged and the watch continues.
func (q *Queue) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.Refresh(ctx); err != nil && ctx.Err() == nil {
				q.config.Logger.Printf("WARNING: %v", err)
			}
		}
	}
}

// sortPendingLocked restores seq order after a merge. A head that is in
// flight or has already failed keeps its place.
func (q *Queue) sortPendingLocked() {
	rest := q.ops
	if len(q.ops) > 0 && (q.processing || q.ops[0].Attempts > 0) {
		rest = q.ops[1:]
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Seq < rest[j].Seq })
}

func maxSeq(ops []types.QueuedOperation) int64 {
	var seq int64
	for _, op := range ops {
		if op.Seq > seq {
			seq = op.Seq
		}
	}
	return seq
}

// Subscribe registers fn. It receives the current state immediately and
// then every later state, synchronously and in order. Listeners must not
// call Enqueue or Subscribe.
func (q *Queue) Subscribe(fn Listener) (unsubscribe func()) {
	q.notifyMu.Lock()
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners = append(q.listeners, listenerEntry{id: id, fn: fn})
	state := q.stateLocked()
	q.mu.Unlock()
	fn(state)
	q.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			for i, l := range q.listeners {
				if l.id == id {
					q.listeners = append(q.listeners[:i:i], q.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// State returns the current queue state.
func (q *Queue) State() types.QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateLocked()
}

// Pending returns a copy of the pending operations, head first.
func (q *Queue) Pending() []types.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueuedOperation, len(q.ops))
	copy(out, q.ops)
	return out
}

func (q *Queue) stateLocked() types.QueueState {
	return types.QueueState{
		IsOnline:     q.online,
		QueueSize:    len(q.ops),
		IsProcessing: q.processing,
	}
}

// transition applies mutate under the state lock and, if it reports a
// change, broadcasts the resulting state before the next transition can run.
func (q *Queue) transition(mutate func() bool) bool {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.mu.Lock()
	if !mutate() {
		q.mu.Unlock()
		return false
	}
	state := q.stateLocked()
	listeners := make([]listenerEntry, len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.Unlock()

	for _, l := range listeners {
		l.fn(state)
	}
	return true
}

// signal wakes the drain loop without blocking.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) onConnectivity(online bool) {
	q.config.Logger.Printf("Connectivity changed: online=%t", online)
	q.transition(func() bool {
		q.online = online
		if online {
			q.clearBackoffLocked()
		}
		return true
	})
	if online {
		q.signal()
	}
}

func (q *Queue) onAuth(state types.AuthState) {
	q.transition(func() bool {
		if state.IsAuthenticated {
			q.clearBackoffLocked()
		}
		return true
	})
	if state.IsAuthenticated {
		q.signal()
	}
}

// clearBackoffLocked lets a connectivity or auth transition retry the head
// immediately instead of waiting out the current delay.
func (q *Queue) clearBackoffLocked() {
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	q.retryGen++
	q.backingOff = false
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			q.drain(q.ctx)
		}
	}
}

// drain applies operations from the head until the queue is empty, an
// attempt fails, or draining is no longer allowed.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		op, ok := q.beginAttempt()
		if !ok {
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, q.config.AttemptTimeout)
		err := q.apply(attemptCtx, op)
		cancel()

		if err != nil {
			q.failAttempt(op, err)
			return
		}
		q.completeAttempt(op)
	}
}

func (q *Queue) canDrainLocked() bool {
	if !q.online || q.processing || q.backingOff || len(q.ops) == 0 {
		return false
	}
	state := q.gate.State()
	if !state.IsAuthenticated {
		return false
	}
	head := q.ops[0]
	if head.OwnerID != "" && head.OwnerID != state.UserID {
		if q.heldFor != head.OperationID {
			q.heldFor = head.OperationID
			q.config.Logger.Printf("Holding %d operations until %s signs in again", len(q.ops), head.OwnerID)
		}
		return false
	}
	return true
}

func (q *Queue) beginAttempt() (types.QueuedOperation, bool) {
	var op types.QueuedOperation
	ok := q.transition(func() bool {
		if !q.canDrainLocked() {
			return false
		}
		q.processing = true
		op = q.ops[0]
		return true
	})
	return op, ok
}

func (q *Queue) apply(ctx context.Context, op types.QueuedOperation) error {
	if scoped, ok := q.remote.(OwnerScopedStore); ok && op.OwnerID != "" {
		switch op.Kind {
		case types.OpUpsert:
			return scoped.UpsertAs(ctx, op.OwnerID, op.Collection, op.RecordID, op.Payload)
		case types.OpDelete:
			return scoped.DeleteAs(ctx, op.OwnerID, op.Collection, op.RecordID)
		}
	}

	switch op.Kind {
	case types.OpUpsert:
		return q.remote.Upsert(ctx, op.Collection, op.RecordID, op.Payload)
	case types.OpDelete:
		return q.remote.Delete(ctx, op.Collection, op.RecordID)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (q *Queue) completeAttempt(op types.QueuedOperation) {
	q.transition(func() bool {
		// A failed removal means the operation replays after a restart,
		// which the idempotent remote tolerates.
		if err := q.log.Remove(context.Background(), op.OperationID); err != nil {
			q.config.Logger.Printf("WARNING: %v", err)
		}
		if len(q.ops) > 0 && q.ops[0].OperationID == op.OperationID {
			q.ops = q.ops[1:]
		}
		q.processing = false
		return true
	})
	q.config.Logger.Printf("Applied %s %s/%s (attempt %d)", op.Kind, op.Collection, op.RecordID, op.Attempts+1)
}

func (q *Queue) failAttempt(op types.QueuedOperation, cause error) {
	var (
		attempts int
		delay    time.Duration
	)
	q.transition(func() bool {
		if len(q.ops) > 0 && q.ops[0].OperationID == op.OperationID {
			q.ops[0].Attempts++
			attempts = q.ops[0].Attempts
			if err := q.log.SetAttempts(context.Background(), op.OperationID, attempts); err != nil {
				q.config.Logger.Printf("WARNING: %v", err)
			}
		}
		q.processing = false

		delay = Backoff(attempts, q.config.BaseDelay, q.config.MaxDelay)
		q.backingOff = true
		q.retryGen++
		gen := q.retryGen
		q.retry = time.AfterFunc(delay, func() { q.endBackoff(gen) })
		return true
	})

	reason := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "timed out"
	}
	q.config.Logger.Printf("Failed %s %s/%s (attempt %d): %s; retrying in %v",
		op.Kind, op.Collection, op.RecordID, attempts, reason, delay)
}

// endBackoff ends the delay scheduled as generation gen. A timer superseded
// by a later failure or transition does nothing.
func (q *Queue) endBackoff(gen int) {
	q.mu.Lock()
	if gen != q.retryGen {
		q.mu.Unlock()
		return
	}
	q.backingOff = false
	q.retry = nil
	q.mu.Unlock()
	q.signal()
}

// Backoff returns the retry delay after attempts consecutive failures:
// base doubled per failure, capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 1 {
		return base
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	return delay
}
