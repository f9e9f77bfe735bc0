package sync

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/boardsync/boardsync/internal/client/pathmap"
)

const batchBufferSize = 16

// Coalescer absorbs bursts of raw filesystem events (editors emit
// create+write+write for one save) into one LogicalChange per path per settle
// window. A window opens on the first event after idle and closes after a
// quiet period with no further events; on close a SyncBatch is emitted FIFO.
type Coalescer struct {
	mapper *pathmap.Mapper
	settle time.Duration

	// pending accumulates the folded kind per path for the open window.
	// The flush swaps in a fresh map before the batch is handed off, so an
	// event arriving concurrently with the window close is never lost or
	// double-counted.
	mu      sync.Mutex
	pending map[string]LogicalChange

	batches chan *SyncBatch
	wg      sync.WaitGroup
}

func NewCoalescer(mapper *pathmap.Mapper, settle time.Duration) *Coalescer {
	return &Coalescer{
		mapper:  mapper,
		settle:  settle,
		pending: make(map[string]LogicalChange),
		batches: make(chan *SyncBatch, batchBufferSize),
	}
}

// Batches returns the FIFO channel of coalesced batches. Closed when the
// event source closes.
func (c *Coalescer) Batches() <-chan *SyncBatch {
	return c.batches
}

// Start consumes raw watcher events until the channel closes or ctx is done.
func (c *Coalescer) Start(ctx context.Context, events <-chan notify.EventInfo) {
	c.wg.Add(1)
	go c.run(ctx, events)
}

func (c *Coalescer) Stop() {
	c.wg.Wait()
}

func (c *Coalescer) run(ctx context.Context, events <-chan notify.EventInfo) {
	defer func() {
		// Flush any open window so a save right before shutdown still syncs,
		// then signal the engine there is nothing more coming. The engine may
		// already be gone, so this flush never blocks.
		c.emit(false)
		close(c.batches)
		c.wg.Done()
		slog.Debug("coalescer done")
	}()

	timer := time.NewTimer(c.settle)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if c.observe(event) {
				// (Re)arm the quiet-period timer
				if armed && !timer.Stop() {
					<-timer.C
				}
				timer.Reset(c.settle)
				armed = true
			}
		case <-timer.C:
			armed = false
			c.emit(true)
		}
	}
}

// observe folds one raw event into the open window. Returns false when the
// event is irrelevant (unmapped path, excluded, directory).
func (c *Coalescer) observe(event notify.EventInfo) bool {
	relPath, err := c.mapper.Rel(event.Path())
	if err != nil {
		slog.Debug("coalescer skipping unmapped path", "path", event.Path())
		return false
	}
	if c.mapper.Excluded(relPath) {
		return false
	}

	var kind ChangeKind
	switch event.Event() {
	case notify.Create:
		kind = KindCreated
	case notify.Write:
		kind = KindModified
	case notify.Remove, notify.Rename:
		// A rename is decomposed here: the old path nets out as a delete and
		// the new path arrives as its own create event.
		kind = KindDeleted
	default:
		return false
	}

	// File-level granularity only: directory events carry no payload. A
	// stat failure is fine, the path may already be gone again.
	if kind != KindDeleted {
		if info, err := os.Stat(event.Path()); err == nil && info.IsDir() {
			return false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, open := c.pending[relPath]; open {
		kind = foldKinds(prev.Kind, kind)
	}
	c.pending[relPath] = LogicalChange{
		Path:       relPath,
		Kind:       kind,
		ObservedAt: time.Now(),
	}
	return true
}

// emit closes the current window: atomically swaps the accumulation map for a
// fresh one, then hands the batch off. A blocking send applies backpressure
// to the event loop so batches stay FIFO and are never lost mid-run.
func (c *Coalescer) emit(block bool) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]LogicalChange)
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	batch := newBatch(pending)
	slog.Debug("coalescer emit", "batch", batch.ID, "changes", len(batch.Changes))

	if block {
		c.batches <- batch
		return
	}
	select {
	case c.batches <- batch:
	default:
		slog.Warn("coalescer dropped batch on shutdown", "batch", batch.ID, "changes", len(batch.Changes))
	}
}
