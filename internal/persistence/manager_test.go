package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanjanb/lifelab/internal/auth"
	"github.com/sanjanb/lifelab/internal/connectivity"
	"github.com/sanjanb/lifelab/internal/local"
	"github.com/sanjanb/lifelab/internal/queue"
	"github.com/sanjanb/lifelab/internal/types"
)

type recordingQueue struct {
	mu  sync.Mutex
	ops []types.QueuedOperation
	err error
}

func (q *recordingQueue) Enqueue(ctx context.Context, op types.QueuedOperation) (types.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return op, q.err
	}
	q.ops = append(q.ops, op)
	return op, nil
}

func (q *recordingQueue) queued() []types.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.QueuedOperation(nil), q.ops...)
}

type fakeRemote struct {
	mu      sync.Mutex
	fail    map[string]bool
	stored  map[string]types.Payload
	deletes int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{fail: map[string]bool{}, stored: map[string]types.Payload{}}
}

func (r *fakeRemote) Upsert(ctx context.Context, c types.Collection, id string, payload types.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(c) + "/" + id
	if r.fail[key] {
		return errors.New("quota exceeded")
	}
	r.stored[key] = payload
	return nil
}

func (r *fakeRemote) Delete(ctx context.Context, c types.Collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stored, string(c)+"/"+id)
	r.deletes++
	return nil
}

func (r *fakeRemote) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stored)
}

type brokenStore struct {
	LocalStore
}

func (brokenStore) Put(context.Context, types.Collection, string, types.Payload) error {
	return fmt.Errorf("%w: disk full", types.ErrLocalStore)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func signedIn(user string) *auth.Gate {
	gate := auth.NewGate(quietLogger())
	if user == "" {
		gate.Update(types.Anonymous)
	} else {
		gate.Update(types.AuthState{IsAuthenticated: true, UserID: user})
	}
	return gate
}

func openDB(t *testing.T, path string) *local.DB {
	t.Helper()
	db, err := local.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupManager(t *testing.T, user string) (*Manager, *local.DB, *recordingQueue, *fakeRemote) {
	t.Helper()
	db := openDB(t, filepath.Join(t.TempDir(), "local.db"))
	q := &recordingQueue{}
	remote := newFakeRemote()
	return New(db, q, signedIn(user), remote, quietLogger()), db, q, remote
}

func TestWriteAnonymousStaysLocal(t *testing.T) {
	ctx := context.Background()
	m, _, q, _ := setupManager(t, "")

	require.NoError(t, m.Write(ctx, types.CollectionEntries, "2024-01-01", types.Payload(`{"mood":4}`)))

	got, ok, err := m.Read(ctx, types.CollectionEntries, "2024-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"mood":4}`, string(got))
	assert.Empty(t, q.queued())
}

func TestWriteSignedInQueuesUpsert(t *testing.T) {
	ctx := context.Background()
	m, _, q, _ := setupManager(t, "u1")

	require.NoError(t, m.Write(ctx, types.CollectionWins, "w1", types.Payload(`{"title":"walked"}`)))
	require.NoError(t, m.Delete(ctx, types.CollectionWins, "w1"))

	ops := q.queued()
	require.Len(t, ops, 2)
	assert.Equal(t, types.OpUpsert, ops[0].Kind)
	assert.Equal(t, "w1", ops[0].RecordID)
	assert.JSONEq(t, `{"title":"walked"}`, string(ops[0].Payload))
	assert.Equal(t, types.OpDelete, ops[1].Kind)

	_, ok, err := m.Read(ctx, types.CollectionWins, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteLocalFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	q := &recordingQueue{}
	m := New(brokenStore{}, q, signedIn("u1"), newFakeRemote(), quietLogger())

	err := m.Write(ctx, types.CollectionEntries, "e1", types.Payload(`{}`))
	require.Error(t, err)
	assert.True(t, types.IsLocalFault(err))
	assert.Empty(t, q.queued(), "nothing is queued when the local write fails")
}

func TestWriteSucceedsWhenQueueFails(t *testing.T) {
	ctx := context.Background()
	m, _, q, _ := setupManager(t, "u1")
	q.err = errors.New("queue unavailable")

	require.NoError(t, m.Write(ctx, types.CollectionEntries, "e1", types.Payload(`{}`)))

	_, ok, err := m.Read(ctx, types.CollectionEntries, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadMissing(t *testing.T) {
	m, _, _, _ := setupManager(t, "")
	got, ok, err := m.Read(context.Background(), types.CollectionSettings, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestRejectsUnknownCollection(t *testing.T) {
	ctx := context.Background()
	m, _, q, _ := setupManager(t, "u1")

	err := m.Write(ctx, types.Collection("bogus"), "x", types.Payload(`{}`))
	assert.ErrorIs(t, err, types.ErrInvalidCollection)
	_, _, err = m.Read(ctx, types.Collection("bogus"), "x")
	assert.ErrorIs(t, err, types.ErrInvalidCollection)
	err = m.Delete(ctx, types.CollectionMeta, "migration_complete")
	assert.ErrorIs(t, err, types.ErrInvalidCollection)
	assert.Empty(t, q.queued())
}

func TestListOrdersByID(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := setupManager(t, "")
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, m.Write(ctx, types.CollectionEntries, id, types.Payload(`{}`)))
	}

	records, err := m.List(ctx, types.CollectionEntries)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "c", records[2].ID)
}

func TestExportExcludesMeta(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := setupManager(t, "u1")
	require.NoError(t, m.Write(ctx, types.CollectionEntries, "e1", types.Payload(`{"mood":1}`)))
	require.NoError(t, m.Write(ctx, types.CollectionSettings, "profile", types.Payload(`{"theme":"dark"}`)))
	require.NoError(t, m.Migration().Skip(ctx))

	snap, err := m.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Count())
	assert.NotContains(t, snap.Data, types.CollectionMeta)
	assert.Len(t, snap.Data, len(types.DomainCollections))
}

func TestImportRejectsUnknownCollectionBeforeWriting(t *testing.T) {
	ctx := context.Background()
	m, db, _, _ := setupManager(t, "")

	snap := &types.Snapshot{Data: map[types.Collection]map[string]types.Payload{
		types.CollectionEntries: {"e1": types.Payload(`{}`)},
		"bogus":                 {"x": types.Payload(`{}`)},
	}}
	n, err := m.Import(ctx, snap)
	assert.ErrorIs(t, err, types.ErrInvalidCollection)
	assert.Zero(t, n)

	count, err := db.Count(ctx, types.CollectionEntries)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSnapshotRoundTripThroughImport(t *testing.T) {
	ctx := context.Background()
	src, _, _, _ := setupManager(t, "")
	require.NoError(t, src.Write(ctx, types.CollectionEntries, "e1", types.Payload(`{"mood":2,"tags":["a","b"]}`)))
	require.NoError(t, src.Write(ctx, types.CollectionDomainConfig, "health", types.Payload(`{"enabled":true}`)))

	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			snap, err := src.Export(ctx)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, EncodeSnapshot(&buf, snap, format))

			decoded, err := DecodeSnapshot(&buf, format)
			require.NoError(t, err)

			dst, _, q, _ := setupManager(t, "u1")
			n, err := dst.Import(ctx, decoded)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Len(t, q.queued(), 2)

			got, ok, err := dst.Read(ctx, types.CollectionEntries, "e1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"mood":2,"tags":["a","b"]}`, string(got))
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestMigrationPartialFailure(t *testing.T) {
	ctx := context.Background()
	m, db, _, remote := setupManager(t, "u1")

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Write(ctx, types.CollectionEntries, fmt.Sprintf("e%02d", i), types.Payload(`{}`)))
	}
	remote.fail["entries/e01"] = true
	remote.fail["entries/e04"] = true
	remote.fail["entries/e07"] = true

	needed, err := m.NeedsMigration(ctx)
	require.NoError(t, err)
	require.True(t, needed)

	result, err := m.MigrateToFirebase(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 7, result.ItemsMigrated)
	assert.Len(t, result.Errors, 3)

	count, err := db.Count(ctx, types.CollectionEntries)
	require.NoError(t, err)
	assert.Equal(t, 10, count, "migration never touches local data")
}

func TestNeedsMigrationFalseAfterSuccessAcrossReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	db, err := local.Open(path)
	require.NoError(t, err)
	remote := newFakeRemote()
	m := New(db, &recordingQueue{}, signedIn("u1"), remote, quietLogger())
	require.NoError(t, db.Put(ctx, types.CollectionEntries, "e1", types.Payload(`{}`)))

	result, err := m.MigrateToFirebase(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NoError(t, db.Close())

	db = openDB(t, path)
	m = New(db, &recordingQueue{}, signedIn("u1"), remote, quietLogger())
	needed, err := m.NeedsMigration(ctx)
	require.NoError(t, err)
	assert.False(t, needed)
}

// End to end: offline writes are held by the real queue and reach the
// remote once connectivity returns.
func TestOfflineWritesReplicateWhenOnline(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, filepath.Join(t.TempDir(), "local.db"))

	opLog, err := queue.NewSQLiteLog(ctx, db.RawDB())
	require.NoError(t, err)

	gate := signedIn("u1")
	source := connectivity.NewManual(false)
	remote := newFakeRemote()

	cfg := queue.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Logger = quietLogger()

	q, err := queue.New(ctx, opLog, remote, gate, source, cfg)
	require.NoError(t, err)
	q.Start(ctx)
	t.Cleanup(q.Stop)

	m := New(db, q, gate, remote, quietLogger())
	require.NoError(t, m.Write(ctx, types.CollectionEntries, "e1", types.Payload(`{"mood":5}`)))
	require.NoError(t, m.Write(ctx, types.CollectionWins, "w1", types.Payload(`{}`)))
	require.NoError(t, m.Delete(ctx, types.CollectionWins, "w1"))

	assert.Equal(t, 3, q.State().QueueSize)
	assert.Zero(t, remote.size())

	source.SetOnline(true)
	require.Eventually(t, func() bool { return q.State().QueueSize == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, remote.size())
	remote.mu.Lock()
	assert.JSONEq(t, `{"mood":5}`, string(remote.stored["entries/e1"]))
	assert.Equal(t, 1, remote.deletes)
	remote.mu.Unlock()
}
