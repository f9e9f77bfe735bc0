package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"

	"github.com/boardsync/boardsync/internal/client/pathmap"
	"github.com/boardsync/boardsync/internal/device"
	"github.com/boardsync/boardsync/internal/utils"
)

// SyncEngine owns all cross-cutting sync state and is the only writer to the
// device link. It applies the startup full diff and then consumes coalesced
// batches FIFO, each followed by at most one reboot attempt. All device calls
// happen on the engine's single run goroutine; they may block.
type SyncEngine struct {
	mapper     *pathmap.Mapper
	local      *LocalState
	adapter    device.Adapter
	batches    <-chan *SyncBatch
	maxRetries int

	// deviceFiles is a local cache of the device tree, seeded from
	// ListFiles and maintained by successful mutations. It is not re-read
	// after every operation; a failed seed triggers a resync before the
	// next batch.
	deviceFiles mapset.Set[string]
	seeded      bool

	// pushed remembers the content hash last written per path, so applying
	// an already-converged change issues no device call.
	pushed map[string]string

	// attempts counts consecutive failures per path; retryNext holds paths
	// to re-derive and re-apply at the next batch boundary.
	attempts  map[string]int
	retryNext map[string]struct{}

	rebootPending bool

	wg sync.WaitGroup
}

func NewSyncEngine(mapper *pathmap.Mapper, adapter device.Adapter, batches <-chan *SyncBatch, maxRetries int) *SyncEngine {
	return &SyncEngine{
		mapper:      mapper,
		local:       NewLocalState(mapper),
		adapter:     adapter,
		batches:     batches,
		maxRetries:  maxRetries,
		deviceFiles: mapset.NewSet[string](),
		pushed:      make(map[string]string),
		attempts:    make(map[string]int),
		retryNext:   make(map[string]struct{}),
	}
}

// Start runs the startup full sync, then launches the batch apply loop. A
// failed startup sync is not fatal: the engine keeps watching and converges
// once the device becomes reachable.
func (se *SyncEngine) Start(ctx context.Context) error {
	slog.Info("sync engine start")

	if err := se.FullSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("initial sync failed, will retry on next change", "error", err)
	}

	se.wg.Add(1)
	go func() {
		defer se.wg.Done()
		se.run(ctx)
	}()

	return nil
}

func (se *SyncEngine) Stop() {
	slog.Info("sync engine stop")
	se.wg.Wait()
}

func (se *SyncEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-se.batches:
			if !ok {
				return
			}
			se.apply(ctx, batch)
		}
	}
}

// FullSync diffs the local tree against the device and converges the device
// to it: local-only or content-differing files are written, device-only
// files with a non-excluded, non-protected local mapping are deleted.
func (se *SyncEngine) FullSync(ctx context.Context) error {
	tStart := time.Now()

	localState, err := se.local.Scan()
	if err != nil {
		return fmt.Errorf("scan local state: %w", err)
	}

	devFiles, err := se.adapter.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list device files: %w", err)
	}
	se.deviceFiles = devFiles
	se.seeded = true

	hasher, _ := se.adapter.(device.ContentHasher)

	writes := 0
	deletes := 0
	failures := 0

	for _, relPath := range sortedKeys(localState) {
		devPath, ok := se.mapper.ToDevicePath(relPath)
		if !ok {
			continue
		}

		if se.deviceFiles.Contains(devPath) && hasher != nil {
			devHash, err := hasher.FileHash(ctx, devPath)
			if err == nil && devHash == localState[relPath].Hash {
				se.pushed[relPath] = devHash
				continue
			}
		}

		mutated, err := se.writeDevice(ctx, relPath, devPath)
		if err != nil {
			failures++
			se.recordFailure(relPath, err)
		} else if mutated {
			writes++
		}
	}

	for _, devPath := range sortedSlice(se.deviceFiles.ToSlice()) {
		relPath, ok := se.mapper.FromDevicePath(devPath)
		if !ok {
			continue // excluded or protected, never delete
		}
		if _, exists := localState[relPath]; exists {
			continue
		}

		mutated, err := se.deleteDevice(ctx, relPath, devPath)
		if err != nil {
			failures++
			se.recordFailure(relPath, err)
		} else if mutated {
			deletes++
		}
	}

	slog.Info("full sync",
		"local", len(localState),
		"device", se.deviceFiles.Cardinality(),
		"writes", writes,
		"deletes", deletes,
		"failures", failures,
		"took", time.Since(tStart),
	)

	se.maybeReboot(ctx, writes+deletes > 0)
	return nil
}

// apply executes one batch in order. A failed change never aborts the batch;
// it is recorded and retried at the next batch boundary from a fresh read.
func (se *SyncEngine) apply(ctx context.Context, batch *SyncBatch) {
	// Device writes in flight are allowed to finish on shutdown; aborting a
	// half-written file would corrupt the device filesystem.
	applyCtx := context.WithoutCancel(ctx)

	if !se.seeded {
		if err := se.FullSync(applyCtx); err != nil {
			slog.Warn("resync failed", "error", err)
		}
	}

	changes := se.mergeRetries(batch)

	succeeded := 0
	failed := 0
	for _, change := range changes {
		mutated, err := se.applyChange(applyCtx, change)
		if err != nil {
			failed++
			se.recordFailure(change.Path, err)
			continue
		}
		delete(se.attempts, change.Path)
		if mutated {
			succeeded++
		}
	}

	slog.Info("batch applied",
		"batch", batch.ID,
		"changes", len(changes),
		"succeeded", succeeded,
		"failed", failed,
		"pendingRetries", len(se.retryNext),
	)

	// No reboot is forced during shutdown.
	if ctx.Err() == nil {
		se.maybeReboot(applyCtx, succeeded > 0)
	}
}

// mergeRetries prepends changes re-derived from paths that failed in an
// earlier batch. A fresh filesystem read decides their kind, since the file
// may have changed again. A path also present in the incoming batch is
// superseded by the batch's own entry.
func (se *SyncEngine) mergeRetries(batch *SyncBatch) []LogicalChange {
	if len(se.retryNext) == 0 {
		return batch.Changes
	}

	inBatch := make(map[string]struct{}, len(batch.Changes))
	for _, change := range batch.Changes {
		inBatch[change.Path] = struct{}{}
	}

	retryPaths := make([]string, 0, len(se.retryNext))
	for relPath := range se.retryNext {
		delete(se.retryNext, relPath)
		if _, dup := inBatch[relPath]; dup {
			continue
		}
		retryPaths = append(retryPaths, relPath)
	}
	sort.Strings(retryPaths)

	changes := make([]LogicalChange, 0, len(retryPaths)+len(batch.Changes))
	for _, relPath := range retryPaths {
		kind := KindModified
		if !utils.FileExists(se.mapper.Abs(relPath)) {
			kind = KindDeleted
		}
		changes = append(changes, LogicalChange{Path: relPath, Kind: kind, ObservedAt: time.Now()})
	}

	return append(changes, batch.Changes...)
}

// applyChange pushes one logical change to the device. mutated reports
// whether a device call succeeded; an already-converged change is a no-op.
func (se *SyncEngine) applyChange(ctx context.Context, change LogicalChange) (mutated bool, err error) {
	devPath, ok := se.mapper.ToDevicePath(change.Path)
	if !ok {
		return false, nil
	}

	switch change.Kind {
	case KindDeleted:
		return se.deleteDevice(ctx, change.Path, devPath)
	default:
		return se.writeDevice(ctx, change.Path, devPath)
	}
}

func (se *SyncEngine) writeDevice(ctx context.Context, relPath, devPath string) (bool, error) {
	data, err := os.ReadFile(se.mapper.Abs(relPath))
	if errors.Is(err, fs.ErrNotExist) {
		// Deleted again since the window closed
		return se.deleteDevice(ctx, relPath, devPath)
	}
	if err != nil {
		return false, fmt.Errorf("read local file: %w", err)
	}

	hash := utils.BytesHash(data)
	if se.seeded && se.deviceFiles.Contains(devPath) && se.pushed[relPath] == hash {
		return false, nil // converged, no device call
	}

	if err := se.adapter.WriteFile(ctx, devPath, data); err != nil {
		return false, err
	}

	se.deviceFiles.Add(devPath)
	se.pushed[relPath] = hash
	slog.Debug("wrote file",
		"path", devPath,
		"size", humanize.Bytes(uint64(len(data))),
		"main", se.mapper.IsMain(relPath),
	)
	return true, nil
}

func (se *SyncEngine) deleteDevice(ctx context.Context, relPath, devPath string) (bool, error) {
	if se.seeded && !se.deviceFiles.Contains(devPath) {
		return false, nil // already absent, no device call
	}

	err := se.adapter.DeleteFile(ctx, devPath)
	if err != nil && !errors.Is(err, device.ErrNotFound) {
		return false, err
	}

	se.deviceFiles.Remove(devPath)
	delete(se.pushed, relPath)
	slog.Debug("deleted file", "path", devPath, "alreadyGone", errors.Is(err, device.ErrNotFound))
	return true, nil
}

// recordFailure books a failed change for retry at the next batch boundary.
// Exhausting the retry budget drops the path with a warning; a manual
// re-save starts a fresh budget.
func (se *SyncEngine) recordFailure(relPath string, err error) {
	se.attempts[relPath]++
	if se.attempts[relPath] >= se.maxRetries {
		slog.Warn("giving up on change, re-save the file to retry",
			"path", relPath,
			"attempts", se.attempts[relPath],
			"error", err,
		)
		delete(se.attempts, relPath)
		delete(se.retryNext, relPath)
		return
	}

	se.retryNext[relPath] = struct{}{}
	slog.Warn("device op failed, will retry at next batch",
		"path", relPath,
		"attempt", se.attempts[relPath],
		"linkError", device.IsLinkError(err),
		"rejected", device.IsRejected(err),
		"error", err,
	)
}

// maybeReboot issues a soft reboot after a batch with at least one
// successful mutation. A failed reboot keeps the pending flag set and is
// retried only after the next successful mutation, so the board is never
// rebooted into a half-written state.
func (se *SyncEngine) maybeReboot(ctx context.Context, mutatedNow bool) {
	if mutatedNow {
		se.rebootPending = true
	}
	if !se.rebootPending || !mutatedNow {
		return
	}

	if err := se.adapter.Reboot(ctx); err != nil {
		slog.Warn("reboot failed, will retry after next successful sync", "error", err)
		return
	}

	se.rebootPending = false
	slog.Info("board soft-rebooted")
}

func sortedKeys(m map[string]*FileMeta) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSlice(s []string) []string {
	sort.Strings(s)
	return s
}
