package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sanjanb/lifelab/internal/auth"
	"github.com/sanjanb/lifelab/internal/connectivity"
	"github.com/sanjanb/lifelab/internal/local"
	"github.com/sanjanb/lifelab/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRemote is an in-memory remote store that records every successful
// apply and can be scripted to reject a record a number of times.
type fakeRemote struct {
	mu       sync.Mutex
	docs     map[string]types.Payload
	applied  []string
	failures map[string]int
	calls    map[string]int
	owners   map[string]string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:     make(map[string]types.Payload),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		owners:   make(map[string]string),
	}
}

func (r *fakeRemote) failNext(id string, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id] = times
}

func (r *fakeRemote) enter() func() {
	n := r.inFlight.Add(1)
	for {
		max := r.maxInFlight.Load()
		if n <= max || r.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return func() { r.inFlight.Add(-1) }
}

func (r *fakeRemote) Upsert(_ context.Context, c types.Collection, id string, payload types.Payload) error {
	defer r.enter()()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	if r.failures[id] > 0 {
		r.failures[id]--
		return errors.New("transient network failure")
	}
	r.docs[string(c)+"/"+id] = payload
	r.applied = append(r.applied, id)
	return nil
}

func (r *fakeRemote) Delete(_ context.Context, c types.Collection, id string) error {
	defer r.enter()()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	if r.failures[id] > 0 {
		r.failures[id]--
		return errors.New("transient network failure")
	}
	delete(r.docs, string(c)+"/"+id)
	r.applied = append(r.applied, "-"+id)
	return nil
}

func (r *fakeRemote) UpsertAs(ctx context.Context, owner string, c types.Collection, id string, payload types.Payload) error {
	r.mu.Lock()
	r.owners[id] = owner
	r.mu.Unlock()
	return r.Upsert(ctx, c, id, payload)
}

func (r *fakeRemote) DeleteAs(ctx context.Context, owner string, c types.Collection, id string) error {
	r.mu.Lock()
	r.owners[id] = owner
	r.mu.Unlock()
	return r.Delete(ctx, c, id)
}

func (r *fakeRemote) ownerOf(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[id]
}

func (r *fakeRemote) appliedOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

func (r *fakeRemote) doc(c types.Collection, id string) (types.Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.docs[string(c)+"/"+id]
	return p, ok
}

// stateRecorder collects every broadcast state.
type stateRecorder struct {
	mu     sync.Mutex
	states []types.QueueState
}

func (s *stateRecorder) listen(state types.QueueState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *stateRecorder) all() []types.QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.QueueState(nil), s.states...)
}

type harness struct {
	queue  *Queue
	remote *fakeRemote
	gate   *auth.Gate
	source *connectivity.Manual
	db     *local.DB
	log    *SQLiteLog
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() *Config {
	return &Config{
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		AttemptTimeout: time.Second,
		Logger:         quietLogger(),
	}
}

// setupHarness builds a queue over a SQLite log, signed in and offline.
func setupHarness(t *testing.T) *harness {
	t.Helper()

	db, err := local.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opLog, err := NewSQLiteLog(context.Background(), db.RawDB())
	require.NoError(t, err)

	gate := auth.NewGate(quietLogger())
	gate.Update(types.AuthState{IsAuthenticated: true, UserID: "u1"})

	h := &harness{
		remote: newFakeRemote(),
		gate:   gate,
		source: connectivity.NewManual(false),
		db:     db,
		log:    opLog,
	}
	h.queue = h.newQueue(t)
	return h
}

func (h *harness) newQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(context.Background(), h.log, h.remote, h.gate, h.source, testConfig())
	require.NoError(t, err)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func upsert(id, payload string) types.QueuedOperation {
	return types.QueuedOperation{
		Collection: types.CollectionEntries,
		RecordID:   id,
		Kind:       types.OpUpsert,
		Payload:    types.Payload(payload),
	}
}

func (h *harness) waitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.queue.State()
		return s.QueueSize == 0 && !s.IsProcessing
	}, 2*time.Second, time.Millisecond)
}

func TestEnqueueOfflineHoldsOperations(t *testing.T) {
	h := setupHarness(t)
	rec := &stateRecorder{}
	h.queue.Subscribe(rec.listen)

	for i, id := range []string{"A", "B", "C"} {
		op, err := h.queue.Enqueue(context.Background(), upsert(id, `{}`))
		require.NoError(t, err)
		assert.NotEmpty(t, op.OperationID)
		assert.False(t, op.EnqueuedAt.IsZero())
		assert.Equal(t, i+1, h.queue.State().QueueSize)
	}

	states := rec.all()
	require.Len(t, states, 4)
	assert.Equal(t, types.QueueState{IsOnline: false, QueueSize: 0}, states[0], "subscriber gets current state first")
	for i := 1; i < 4; i++ {
		assert.Equal(t, i, states[i].QueueSize)
		assert.False(t, states[i].IsOnline)
	}

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.remote.appliedOrder())
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	h := setupHarness(t)

	_, err := h.queue.Enqueue(context.Background(), types.QueuedOperation{
		Collection: types.Collection("nope"),
		RecordID:   "x",
		Kind:       types.OpUpsert,
		Payload:    types.Payload(`{}`),
	})
	assert.ErrorIs(t, err, types.ErrInvalidCollection)
	assert.Equal(t, 0, h.queue.State().QueueSize)
}

func TestDrainPreservesOrderAcrossRetry(t *testing.T) {
	h := setupHarness(t)
	h.remote.failNext("B", 1)

	for _, id := range []string{"A", "B", "C"} {
		_, err := h.queue.Enqueue(context.Background(), upsert(id, `{"id":"`+id+`"}`))
		require.NoError(t, err)
	}

	h.source.SetOnline(true)
	h.waitDrained(t)

	assert.Equal(t, []string{"A", "B", "C"}, h.remote.appliedOrder())
	h.remote.mu.Lock()
	assert.Equal(t, 2, h.remote.calls["B"])
	assert.Equal(t, 1, h.remote.calls["C"])
	h.remote.mu.Unlock()
}

func TestFailedHeadBlocksLaterOperations(t *testing.T) {
	h := setupHarness(t)
	h.remote.failNext("B", 1000)

	for _, id := range []string{"A", "B", "C"} {
		_, err := h.queue.Enqueue(context.Background(), upsert(id, `{}`))
		require.NoError(t, err)
	}
	h.source.SetOnline(true)

	require.Eventually(t, func() bool {
		pending := h.queue.Pending()
		return len(pending) == 2 && pending[0].Attempts >= 3
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, []string{"A"}, h.remote.appliedOrder())
	pending := h.queue.Pending()
	assert.Equal(t, "B", pending[0].RecordID)
	assert.Equal(t, "C", pending[1].RecordID)

	// Attempts are persisted with the operation.
	ops, err := h.log.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.GreaterOrEqual(t, ops[0].Attempts, 1)
}

func TestQueueSizeDecrementsPerConfirmedUpsert(t *testing.T) {
	h := setupHarness(t)
	for _, id := range []string{"A", "B", "C"} {
		_, err := h.queue.Enqueue(context.Background(), upsert(id, `{}`))
		require.NoError(t, err)
	}

	rec := &stateRecorder{}
	h.queue.Subscribe(rec.listen)
	h.source.SetOnline(true)
	h.waitDrained(t)

	states := rec.all()
	require.NotEmpty(t, states)
	prev := states[0].QueueSize
	assert.Equal(t, 3, prev)
	sawProcessing := false
	for _, s := range states[1:] {
		assert.Contains(t, []int{prev, prev - 1}, s.QueueSize, "queue size moves by at most one")
		if s.QueueSize == prev-1 {
			assert.False(t, s.IsProcessing, "a confirmed apply ends the attempt")
		}
		sawProcessing = sawProcessing || s.IsProcessing
		prev = s.QueueSize
	}
	assert.True(t, sawProcessing)
	assert.Equal(t, 0, prev)
}

func TestConnectivityLossObservedImmediately(t *testing.T) {
	h := setupHarness(t)
	h.source.SetOnline(true)

	rec := &stateRecorder{}
	h.queue.Subscribe(rec.listen)
	h.source.SetOnline(false)

	states := rec.all()
	require.Len(t, states, 2)
	assert.True(t, states[0].IsOnline)
	assert.False(t, states[1].IsOnline)
}

func TestOfflineSuspendsDrainWithoutClearing(t *testing.T) {
	h := setupHarness(t)
	h.source.SetOnline(true)
	h.source.SetOnline(false)

	for _, id := range []string{"A", "B"} {
		_, err := h.queue.Enqueue(context.Background(), upsert(id, `{}`))
		require.NoError(t, err)
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, h.queue.State().QueueSize)

	h.source.SetOnline(true)
	h.waitDrained(t)
	assert.Equal(t, []string{"A", "B"}, h.remote.appliedOrder())
}

func TestDrainWaitsForAuthentication(t *testing.T) {
	h := setupHarness(t)
	h.gate.Update(types.Anonymous)
	h.source.SetOnline(true)

	_, err := h.queue.Enqueue(context.Background(), upsert("A", `{}`))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.queue.State().QueueSize)

	h.gate.Update(types.AuthState{IsAuthenticated: true, UserID: "u1"})
	h.waitDrained(t)
	assert.Equal(t, []string{"A"}, h.remote.appliedOrder())
}

func TestOperationsReplayUnderTheirOwner(t *testing.T) {
	h := setupHarness(t)
	h.gate.Update(types.AuthState{IsAuthenticated: true, UserID: "alice"})

	op, err := h.queue.Enqueue(context.Background(), upsert("A", `{}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", op.OwnerID)

	h.gate.Update(types.Anonymous)
	h.gate.Update(types.AuthState{IsAuthenticated: true, UserID: "bob"})
	h.source.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.remote.appliedOrder(), "bob must not replay alice's writes")
	assert.Equal(t, 1, h.queue.State().QueueSize)

	h.gate.Update(types.AuthState{IsAuthenticated: true, UserID: "alice"})
	h.waitDrained(t)
	assert.Equal(t, []string{"A"}, h.remote.appliedOrder())
	assert.Equal(t, "alice", h.remote.ownerOf("A"))
}

func TestOwnerSurvivesReload(t *testing.T) {
	h := setupHarness(t)
	_, err := h.queue.Enqueue(context.Background(), upsert("A", `{}`))
	require.NoError(t, err)
	h.queue.Stop()

	ops, err := h.log.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "u1", ops[0].OwnerID)
	assert.Positive(t, ops[0].Seq)
}

// openSecondLog opens the harness database again, the way a separate CLI
// process would.
func (h *harness) openSecondLog(t *testing.T) *SQLiteLog {
	t.Helper()
	other, err := local.Open(h.db.Path())
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	otherLog, err := NewSQLiteLog(context.Background(), other.RawDB())
	require.NoError(t, err)
	return otherLog
}

func appendExternal(t *testing.T, l *SQLiteLog, id string) {
	t.Helper()
	op := upsert(id, `{}`)
	op.OperationID = "ext-" + id
	op.OwnerID = "u1"
	op.EnqueuedAt = time.Now().UTC()
	_, err := l.Append(context.Background(), op)
	require.NoError(t, err)
}

func TestRefreshPicksUpOperationsFromAnotherProcess(t *testing.T) {
	h := setupHarness(t)
	h.source.SetOnline(true)
	otherLog := h.openSecondLog(t)

	appendExternal(t, otherLog, "X")
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.remote.appliedOrder())

	n, err := h.queue.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.waitDrained(t)
	assert.Equal(t, []string{"X"}, h.remote.appliedOrder())

	n, err = h.queue.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "applied operations are not merged again")
	assert.Equal(t, []string{"X"}, h.remote.appliedOrder())
}

func TestRefreshMergesInSeqOrder(t *testing.T) {
	h := setupHarness(t)
	otherLog := h.openSecondLog(t)

	appendExternal(t, otherLog, "A")
	_, err := h.queue.Enqueue(context.Background(), upsert("B", `{}`))
	require.NoError(t, err)

	n, err := h.queue.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the queue's own operation is not duplicated")

	pending := h.queue.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "A", pending[0].RecordID)
	assert.Equal(t, "B", pending[1].RecordID)

	h.source.SetOnline(true)
	h.waitDrained(t)
	assert.Equal(t, []string{"A", "B"}, h.remote.appliedOrder())
}

func TestWatchPicksUpOperations(t *testing.T) {
	h := setupHarness(t)
	h.source.SetOnline(true)
	otherLog := h.openSecondLog(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.queue.Watch(ctx, 5*time.Millisecond) }()

	appendExternal(t, otherLog, "X")
	require.Eventually(t, func() bool {
		return len(h.remote.appliedOrder()) == 1
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestQueueSurvivesReload(t *testing.T) {
	h := setupHarness(t)
	for _, id := range []string{"A", "B"} {
		_, err := h.queue.Enqueue(context.Background(), upsert(id, `{}`))
		require.NoError(t, err)
	}
	h.queue.Stop()

	h.queue = h.newQueue(t)
	pending := h.queue.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "A", pending[0].RecordID)
	assert.Equal(t, "B", pending[1].RecordID)

	h.source.SetOnline(true)
	h.waitDrained(t)
	assert.Equal(t, []string{"A", "B"}, h.remote.appliedOrder())

	ops, err := h.log.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestEventualConsistencyLastWriteWins(t *testing.T) {
	h := setupHarness(t)
	h.remote.failNext("A", 2)

	final := map[string]string{}
	for i := 0; i < 5; i++ {
		for _, id := range []string{"A", "B"} {
			payload := fmt.Sprintf(`{"rev":%d}`, i)
			final[id] = payload
			_, err := h.queue.Enqueue(context.Background(), upsert(id, payload))
			require.NoError(t, err)
		}
	}
	_, err := h.queue.Enqueue(context.Background(), types.QueuedOperation{
		Collection: types.CollectionEntries, RecordID: "gone", Kind: types.OpDelete,
	})
	require.NoError(t, err)

	h.source.SetOnline(true)
	h.waitDrained(t)

	for id, payload := range final {
		got, ok := h.remote.doc(types.CollectionEntries, id)
		require.True(t, ok)
		assert.JSONEq(t, payload, string(got))
	}
	applied := h.remote.appliedOrder()
	assert.Len(t, applied, 11)
	assert.Equal(t, "-gone", applied[len(applied)-1])
}

func TestSingleAttemptInFlight(t *testing.T) {
	h := setupHarness(t)
	h.source.SetOnline(true)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.queue.Enqueue(context.Background(), upsert(fmt.Sprintf("r%d", i), `{}`))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	h.waitDrained(t)

	assert.Len(t, h.remote.appliedOrder(), 20)
	assert.Equal(t, int32(1), h.remote.maxInFlight.Load())
}

func TestReplayingOperationTwiceIsIdempotent(t *testing.T) {
	h := setupHarness(t)
	op := upsert("A", `{"v":1}`)

	require.NoError(t, h.queue.apply(context.Background(), op))
	once, _ := h.remote.doc(types.CollectionEntries, "A")
	require.NoError(t, h.queue.apply(context.Background(), op))
	twice, _ := h.remote.doc(types.CollectionEntries, "A")

	assert.Equal(t, string(once), string(twice))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := setupHarness(t)
	rec := &stateRecorder{}
	unsubscribe := h.queue.Subscribe(rec.listen)
	unsubscribe()
	unsubscribe()

	_, err := h.queue.Enqueue(context.Background(), upsert("A", `{}`))
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1)
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, base, Backoff(0, base, max))
	assert.Equal(t, base, Backoff(1, base, max))
	assert.Equal(t, 200*time.Millisecond, Backoff(2, base, max))
	assert.Equal(t, 800*time.Millisecond, Backoff(4, base, max))
	assert.Equal(t, max, Backoff(5, base, max))
	assert.Equal(t, max, Backoff(500, base, max))
}

func TestNewValidatesArguments(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	_, err := New(ctx, nil, h.remote, h.gate, h.source, nil)
	assert.Error(t, err)
	_, err = New(ctx, h.log, nil, h.gate, h.source, nil)
	assert.Error(t, err)
	_, err = New(ctx, h.log, h.remote, nil, h.source, nil)
	assert.Error(t, err)
	_, err = New(ctx, h.log, h.remote, h.gate, nil, nil)
	assert.Error(t, err)
}
