package sync

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type ChangeKind string

const (
	KindCreated  ChangeKind = "created"
	KindModified ChangeKind = "modified"
	KindDeleted  ChangeKind = "deleted"
)

// LogicalChange is the net effect of one or more raw filesystem events on a
// single path within one settle window. Emitted once, never mutated. Path is
// a normalized watch-root relative path. Contents are NOT captured here; the
// engine reads the file at apply time so a delete-then-recreate burst never
// uploads stale bytes.
type LogicalChange struct {
	Path       string
	Kind       ChangeKind
	ObservedAt time.Time
}

// SyncBatch is an ordered sequence of logical changes with unique paths,
// applied together and followed by at most one reboot attempt.
type SyncBatch struct {
	ID      string
	Changes []LogicalChange
}

func newBatch(pending map[string]LogicalChange) *SyncBatch {
	changes := make([]LogicalChange, 0, len(pending))
	for _, ch := range pending {
		changes = append(changes, ch)
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})

	return &SyncBatch{
		ID:      uuid.NewString(),
		Changes: changes,
	}
}

// foldKinds collapses two successive event kinds on the same path into their
// net effect. A delete dominates only when it is last; deleted-then-recreated
// nets out to a modification.
func foldKinds(prev, next ChangeKind) ChangeKind {
	switch {
	case next == KindDeleted:
		return KindDeleted
	case prev == KindDeleted:
		return KindModified
	case prev == KindCreated:
		return KindCreated
	default:
		return next
	}
}
