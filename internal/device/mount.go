package device

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/boardsync/boardsync/internal/utils"
)

// MountAdapter drives a board exposed as a USB mass-storage drive. File
// operations are plain filesystem calls against the mount point; rebooting is
// delegated to a Rebooter since MSC has no control channel.
type MountAdapter struct {
	mountDir string
	rebooter Rebooter
}

func NewMountAdapter(mountDir string, rebooter Rebooter) *MountAdapter {
	if rebooter == nil {
		rebooter = NopRebooter{}
	}
	return &MountAdapter{
		mountDir: mountDir,
		rebooter: rebooter,
	}
}

func (m *MountAdapter) MountDir() string {
	return m.mountDir
}

func (m *MountAdapter) ListFiles(ctx context.Context) (mapset.Set[string], error) {
	if !utils.DirExists(m.mountDir) {
		return nil, &LinkError{Op: "list", Err: errors.New("mount not present: " + m.mountDir)}
	}

	files := mapset.NewSet[string]()
	err := filepath.WalkDir(m.mountDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(m.mountDir, path)
		if err != nil {
			return err
		}
		files.Add(filepath.ToSlash(relPath))
		return nil
	})
	if err != nil {
		return nil, &LinkError{Op: "list", Err: err}
	}

	return files, nil
}

func (m *MountAdapter) WriteFile(ctx context.Context, path string, data []byte) error {
	abs := filepath.Join(m.mountDir, filepath.FromSlash(path))

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return m.classify("write", err)
	}

	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return m.classify("write", err)
	}

	return nil
}

func (m *MountAdapter) DeleteFile(ctx context.Context, path string) error {
	abs := filepath.Join(m.mountDir, filepath.FromSlash(path))

	err := os.Remove(abs)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return m.classify("delete", err)
}

func (m *MountAdapter) Reboot(ctx context.Context) error {
	return m.rebooter.Reboot(ctx)
}

// FileHash implements ContentHasher for the startup diff.
func (m *MountAdapter) FileHash(ctx context.Context, path string) (string, error) {
	abs := filepath.Join(m.mountDir, filepath.FromSlash(path))
	hash, err := utils.FileHash(abs)
	if err != nil {
		return "", m.classify("hash", err)
	}
	return hash, nil
}

// classify maps filesystem errors to the adapter taxonomy. A missing or
// vanished mount is a link problem; a full or read-only filesystem is the
// device refusing the write.
func (m *MountAdapter) classify(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EROFS) {
		return &RejectedError{Op: op, Err: err}
	}

	if errors.Is(err, fs.ErrNotExist) && !utils.DirExists(m.mountDir) {
		return &LinkError{Op: op, Err: err}
	}
	if errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENODEV) {
		return &LinkError{Op: op, Err: err}
	}

	// Unclassified errors on a present mount count as rejections so the
	// engine retries with its budget instead of hot-looping.
	slog.Debug("mount adapter unclassified error", "op", op, "error", err)
	if utils.DirExists(m.mountDir) {
		return &RejectedError{Op: op, Err: err}
	}
	return &LinkError{Op: op, Err: err}
}
