package sync

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/boardsync/boardsync/internal/client/pathmap"
	"github.com/boardsync/boardsync/internal/utils"
)

type FileMeta struct {
	Path         string
	Size         int64
	LastModified time.Time
	Hash         string
}

// LocalState scans the watched tree into a path → metadata map for the
// startup diff. Hashes are cached by size+mtime so repeated scans stay cheap.
type LocalState struct {
	mapper    *pathmap.Mapper
	lastState map[string]*FileMeta
}

func NewLocalState(mapper *pathmap.Mapper) *LocalState {
	return &LocalState{
		mapper:    mapper,
		lastState: make(map[string]*FileMeta),
	}
}

func (s *LocalState) Scan() (map[string]*FileMeta, error) {
	newState := make(map[string]*FileMeta)

	root := s.mapper.Root()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk error: %w", walkErr)
		}

		if path == root {
			return nil
		}

		relPath, err := s.mapper.Rel(path)
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if s.mapper.Excluded(relPath) {
				return fs.SkipDir
			}
			return nil
		}

		if s.mapper.Excluded(relPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("failed to stat file", "path", path, "error", err)
			return nil // file vanished mid-scan, skip
		}

		var hash string
		prev, exists := s.lastState[relPath]
		if exists && prev.Size == info.Size() && prev.LastModified.Equal(info.ModTime()) {
			hash = prev.Hash
		} else {
			hash, err = utils.FileHash(path)
			if err != nil {
				slog.Warn("failed to hash file", "path", path, "error", err)
				return nil
			}
		}

		newState[relPath] = &FileMeta{
			Path:         relPath,
			Size:         info.Size(),
			LastModified: info.ModTime(),
			Hash:         hash,
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("local scan failed: %w", err)
	}

	s.lastState = newState
	return newState, nil
}
