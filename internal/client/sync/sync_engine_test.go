package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/client/pathmap"
	"github.com/boardsync/boardsync/internal/device"
	"github.com/boardsync/boardsync/internal/utils"
)

// fakeAdapter is an in-memory device that records every call and can inject
// failures per path.
type fakeAdapter struct {
	files map[string][]byte

	writeCalls  []string
	deleteCalls []string
	listCalls   int
	rebootCalls int

	failWrites map[string]error
	failReboot error
	failList   error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		files:      make(map[string][]byte),
		failWrites: make(map[string]error),
	}
}

func (f *fakeAdapter) ListFiles(ctx context.Context) (mapset.Set[string], error) {
	f.listCalls++
	if f.failList != nil {
		return nil, f.failList
	}
	files := mapset.NewSet[string]()
	for path := range f.files {
		files.Add(path)
	}
	return files, nil
}

func (f *fakeAdapter) WriteFile(ctx context.Context, path string, data []byte) error {
	f.writeCalls = append(f.writeCalls, path)
	if err := f.failWrites[path]; err != nil {
		return err
	}
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeAdapter) DeleteFile(ctx context.Context, path string) error {
	f.deleteCalls = append(f.deleteCalls, path)
	if _, ok := f.files[path]; !ok {
		return device.ErrNotFound
	}
	delete(f.files, path)
	return nil
}

func (f *fakeAdapter) Reboot(ctx context.Context) error {
	f.rebootCalls++
	return f.failReboot
}

func (f *fakeAdapter) FileHash(ctx context.Context, path string) (string, error) {
	data, ok := f.files[path]
	if !ok {
		return "", device.ErrNotFound
	}
	return utils.BytesHash(data), nil
}

type engineFixture struct {
	root    string
	adapter *fakeAdapter
	engine  *SyncEngine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	root := t.TempDir()
	adapter := newFakeAdapter()
	mapper := pathmap.NewMapper(root, "main.py")
	engine := NewSyncEngine(mapper, adapter, nil, 3)
	return &engineFixture{root: root, adapter: adapter, engine: engine}
}

func (fx *engineFixture) writeLocal(t *testing.T, relPath string, data []byte) {
	t.Helper()
	abs := filepath.Join(fx.root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, data, 0o644))
}

func batchOf(changes ...LogicalChange) *SyncBatch {
	return &SyncBatch{ID: "test-batch", Changes: changes}
}

func change(path string, kind ChangeKind) LogicalChange {
	return LogicalChange{Path: path, Kind: kind, ObservedAt: time.Now()}
}

func TestFullSyncEmptyDevice(t *testing.T) {
	fx := newEngineFixture(t)
	fx.writeLocal(t, "main.py", make([]byte, 100))
	fx.writeLocal(t, "lib.py", make([]byte, 50))

	require.NoError(t, fx.engine.FullSync(context.Background()))

	assert.ElementsMatch(t, []string{"main.py", "lib.py"}, fx.adapter.writeCalls)
	assert.Empty(t, fx.adapter.deleteCalls)
	assert.Equal(t, 1, fx.adapter.rebootCalls)
}

func TestFullSyncConvergence(t *testing.T) {
	fx := newEngineFixture(t)
	fx.writeLocal(t, "main.py", []byte("same"))
	fx.writeLocal(t, "lib.py", []byte("new content"))

	fx.adapter.files["main.py"] = []byte("same")
	fx.adapter.files["lib.py"] = []byte("old content")
	fx.adapter.files["stale.py"] = []byte("gone locally")
	fx.adapter.files["boot.py"] = []byte("never touch")
	fx.adapter.files[".Trashes/501/x"] = []byte("host junk")

	require.NoError(t, fx.engine.FullSync(context.Background()))

	assert.Equal(t, []string{"lib.py"}, fx.adapter.writeCalls, "identical files are not rewritten")
	assert.Equal(t, []string{"stale.py"}, fx.adapter.deleteCalls, "protected and excluded device files survive")
	assert.Equal(t, 1, fx.adapter.rebootCalls)

	assert.Equal(t, []byte("new content"), fx.adapter.files["lib.py"])
	assert.Contains(t, fx.adapter.files, "boot.py")
	assert.NotContains(t, fx.adapter.files, "stale.py")
}

func TestFullSyncNoChangesNoReboot(t *testing.T) {
	fx := newEngineFixture(t)
	fx.writeLocal(t, "main.py", []byte("same"))
	fx.adapter.files["main.py"] = []byte("same")

	require.NoError(t, fx.engine.FullSync(context.Background()))

	assert.Empty(t, fx.adapter.writeCalls)
	assert.Empty(t, fx.adapter.deleteCalls)
	assert.Zero(t, fx.adapter.rebootCalls)
}

func TestApplyBatchWriteAndDelete(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))
	fx.writeLocal(t, "a.py", []byte("aa"))
	fx.adapter.files["b.py"] = []byte("bb")
	fx.engine.deviceFiles.Add("b.py")

	fx.engine.apply(context.Background(), batchOf(
		change("a.py", KindCreated),
		change("b.py", KindDeleted),
	))

	assert.Equal(t, []string{"a.py"}, fx.adapter.writeCalls)
	assert.Equal(t, []string{"b.py"}, fx.adapter.deleteCalls)
	assert.Equal(t, 1, fx.adapter.rebootCalls)
	assert.Equal(t, []byte("aa"), fx.adapter.files["a.py"])
	assert.NotContains(t, fx.adapter.files, "b.py")
}

func TestApplyIdempotence(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))
	fx.writeLocal(t, "a.py", []byte("aa"))
	fx.adapter.files["b.py"] = []byte("bb")
	fx.engine.deviceFiles.Add("b.py")

	batch := batchOf(
		change("a.py", KindModified),
		change("b.py", KindDeleted),
	)

	fx.engine.apply(context.Background(), batch)
	writes, deletes, reboots := len(fx.adapter.writeCalls), len(fx.adapter.deleteCalls), fx.adapter.rebootCalls

	// Second application against the converged device is a no-op
	fx.engine.apply(context.Background(), batch)

	assert.Equal(t, writes, len(fx.adapter.writeCalls))
	assert.Equal(t, deletes, len(fx.adapter.deleteCalls))
	assert.Equal(t, reboots, fx.adapter.rebootCalls)
}

func TestApplyNoMutationsNoReboot(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))

	// Delete of a path that was never on the device
	fx.engine.apply(context.Background(), batchOf(change("ghost.py", KindDeleted)))

	assert.Zero(t, fx.adapter.rebootCalls)
	assert.Empty(t, fx.adapter.deleteCalls)
}

func TestApplyFailureRetriedNextBatch(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))
	fx.writeLocal(t, "a.py", []byte("aa"))
	fx.writeLocal(t, "b.py", []byte("b1"))
	fx.adapter.failWrites["b.py"] = &device.LinkError{Op: "write", Err: errors.New("unplugged")}

	fx.engine.apply(context.Background(), batchOf(
		change("a.py", KindCreated),
		change("b.py", KindCreated),
	))

	// The batch completes and reboots despite the failure
	assert.Equal(t, 1, fx.adapter.rebootCalls)
	assert.Contains(t, fx.engine.retryNext, "b.py")

	// b.py changes on disk before the retry; device comes back
	fx.writeLocal(t, "b.py", []byte("b2 fresh"))
	delete(fx.adapter.failWrites, "b.py")
	fx.writeLocal(t, "c.py", []byte("cc"))

	fx.engine.apply(context.Background(), batchOf(change("c.py", KindCreated)))

	assert.Equal(t, []byte("b2 fresh"), fx.adapter.files["b.py"], "retry uses a fresh read")
	assert.Empty(t, fx.engine.retryNext)
	assert.Equal(t, 2, fx.adapter.rebootCalls)
}

func TestApplyBatchEntrySupersedesRetry(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))
	fx.writeLocal(t, "b.py", []byte("b1"))
	fx.adapter.failWrites["b.py"] = &device.RejectedError{Op: "write", Err: errors.New("fs full")}

	fx.engine.apply(context.Background(), batchOf(change("b.py", KindCreated)))
	require.Contains(t, fx.engine.retryNext, "b.py")

	delete(fx.adapter.failWrites, "b.py")
	writesBefore := len(fx.adapter.writeCalls)

	fx.engine.apply(context.Background(), batchOf(change("b.py", KindModified)))

	assert.Equal(t, writesBefore+1, len(fx.adapter.writeCalls), "one write, not retry+batch")
}

func TestRetryBudgetExhausted(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))
	fx.writeLocal(t, "b.py", []byte("bb"))
	fx.adapter.failWrites["b.py"] = &device.LinkError{Op: "write", Err: errors.New("unplugged")}

	fx.engine.apply(context.Background(), batchOf(change("b.py", KindCreated)))
	fx.engine.apply(context.Background(), batchOf())
	fx.engine.apply(context.Background(), batchOf())

	// maxRetries is 3: attempted three times, then dropped
	assert.Empty(t, fx.engine.retryNext, "path dropped after budget exhaustion")
	assert.Empty(t, fx.engine.attempts)

	// A later batch does not resurrect it
	writesBefore := len(fx.adapter.writeCalls)
	fx.engine.apply(context.Background(), batchOf())
	assert.Equal(t, writesBefore, len(fx.adapter.writeCalls))
}

func TestRebootFailureRetriedAfterNextMutation(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))
	fx.writeLocal(t, "a.py", []byte("a1"))
	fx.adapter.failReboot = &device.LinkError{Op: "reboot", Err: errors.New("port busy")}

	fx.engine.apply(context.Background(), batchOf(change("a.py", KindCreated)))
	assert.Equal(t, 1, fx.adapter.rebootCalls)
	assert.True(t, fx.engine.rebootPending)

	// No mutation, no reboot retry
	fx.engine.apply(context.Background(), batchOf())
	assert.Equal(t, 1, fx.adapter.rebootCalls)

	// Next successful mutation retries the reboot
	fx.adapter.failReboot = nil
	fx.writeLocal(t, "a.py", []byte("a2"))
	fx.engine.apply(context.Background(), batchOf(change("a.py", KindModified)))
	assert.Equal(t, 2, fx.adapter.rebootCalls)
	assert.False(t, fx.engine.rebootPending)
}

func TestDeleteMissingTreatedAsSuccess(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))
	fx.engine.deviceFiles.Add("gone.py") // cache thinks it exists, device disagrees

	fx.engine.apply(context.Background(), batchOf(change("gone.py", KindDeleted)))

	assert.Equal(t, []string{"gone.py"}, fx.adapter.deleteCalls)
	assert.Empty(t, fx.engine.retryNext)
	assert.False(t, fx.engine.deviceFiles.Contains("gone.py"))
}

func TestWriteOfVanishedFileBecomesDelete(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.FullSync(context.Background()))
	fx.adapter.files["a.py"] = []byte("aa")
	fx.engine.deviceFiles.Add("a.py")

	// a.py never written locally: a modify event whose file is already gone
	fx.engine.apply(context.Background(), batchOf(change("a.py", KindModified)))

	assert.Empty(t, fx.adapter.writeCalls)
	assert.Equal(t, []string{"a.py"}, fx.adapter.deleteCalls)
	assert.NotContains(t, fx.adapter.files, "a.py")
}

func TestUnseededEngineResyncsBeforeBatch(t *testing.T) {
	fx := newEngineFixture(t)
	fx.adapter.failList = &device.LinkError{Op: "list", Err: errors.New("unplugged")}
	require.Error(t, fx.engine.FullSync(context.Background()))
	require.False(t, fx.engine.seeded)

	fx.adapter.failList = nil
	fx.writeLocal(t, "a.py", []byte("aa"))

	fx.engine.apply(context.Background(), batchOf(change("a.py", KindCreated)))

	assert.True(t, fx.engine.seeded)
	assert.Equal(t, []byte("aa"), fx.adapter.files["a.py"])
	assert.GreaterOrEqual(t, fx.adapter.listCalls, 2)
}

func TestRunLoopConsumesBatchesFIFO(t *testing.T) {
	root := t.TempDir()
	adapter := newFakeAdapter()
	mapper := pathmap.NewMapper(root, "main.py")
	batches := make(chan *SyncBatch, 4)
	engine := NewSyncEngine(mapper, adapter, batches, 3)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), []byte("a1"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, engine.Start(ctx))

	batches <- batchOf(change("a.py", KindCreated))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), []byte("a2"), 0o644))
	batches <- batchOf(change("a.py", KindModified))
	close(batches)

	engine.Stop()
	cancel()

	assert.Equal(t, []byte("a2"), adapter.files["a.py"])
}
