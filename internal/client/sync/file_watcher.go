package sync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rjeczalik/notify"
)

const eventBufferSize = 256

// FilterCallback is a function that returns true if the event should be filtered
type FilterCallback func(path string) bool

// FileWatcher is the raw event source: a recursive OS-level watch on the
// watch root. It does no coalescing; bursts are absorbed downstream.
type FileWatcher struct {
	watchDir  string
	events    chan notify.EventInfo
	rawEvents chan notify.EventInfo
	done      chan struct{}
	wg        sync.WaitGroup

	ignoreCallback FilterCallback
	callbackMu     sync.RWMutex
}

func NewFileWatcher(watchDir string) *FileWatcher {
	return &FileWatcher{
		watchDir: watchDir,
		done:     make(chan struct{}),
	}
}

// FilterPaths sets a callback function to filter out raw events before they
// reach the coalescer. The callback should return true to drop the event.
func (fw *FileWatcher) FilterPaths(callback FilterCallback) {
	fw.callbackMu.Lock()
	defer fw.callbackMu.Unlock()
	fw.ignoreCallback = callback
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	fw.events = make(chan notify.EventInfo, eventBufferSize)

	recursivePath := fw.watchDir + "/..."
	mask := notify.Create | notify.Write | notify.Remove | notify.Rename
	if err := notify.Watch(recursivePath, fw.rawEvents, mask); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.filterEvents(ctx)

	return nil
}

func (fw *FileWatcher) Stop() {
	slog.Info("file watcher stopping")

	// Signal the filter goroutine to stop
	close(fw.done)

	// Stop notify watching (this closes the channel automatically)
	if fw.rawEvents != nil {
		notify.Stop(fw.rawEvents)
	}

	fw.wg.Wait()

	slog.Info("file watcher stopped")
}

func (fw *FileWatcher) Events() <-chan notify.EventInfo {
	return fw.events
}

// filterEvents drops events rejected by the filter callback and forwards the
// rest. Closing fw.events is the shutdown signal for the coalescer.
func (fw *FileWatcher) filterEvents(ctx context.Context) {
	defer func() {
		fw.wg.Done()
		close(fw.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.rawEvents:
			if !ok {
				return
			}

			fw.callbackMu.RLock()
			ignore := fw.ignoreCallback
			fw.callbackMu.RUnlock()
			if ignore != nil && ignore(event.Path()) {
				continue
			}

			select {
			case fw.events <- event:
				slog.Debug("file watcher", "event", event.Event(), "path", event.Path())
			default:
				slog.Warn("file watcher dropped", "reason", "channel full", "path", event.Path())
			}
		}
	}
}
