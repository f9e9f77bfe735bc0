// Package device abstracts the board's filesystem and reboot link. Paths on
// the device side are relative to the board's filesystem root, slash-separated.
package device

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// Adapter is the single-client link to the board. Calls are synchronous, slow
// (tens to hundreds of milliseconds per file) and must be serialized by the
// caller. No concurrent use.
type Adapter interface {
	// ListFiles returns the set of files currently present on the device.
	ListFiles(ctx context.Context) (mapset.Set[string], error)

	// WriteFile creates or overwrites a file on the device.
	WriteFile(ctx context.Context, path string, data []byte) error

	// DeleteFile removes a file from the device. Returns ErrNotFound if the
	// file is already gone.
	DeleteFile(ctx context.Context, path string) error

	// Reboot soft-restarts the board so the new code runs.
	Reboot(ctx context.Context) error
}

// ContentHasher is an optional interface for adapters that can cheaply hash
// device-side file contents. Used by the startup diff to skip unchanged files.
type ContentHasher interface {
	FileHash(ctx context.Context, path string) (string, error)
}

// Rebooter restarts the running program on the board.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// NopRebooter is used when rebooting is disabled.
type NopRebooter struct{}

func (NopRebooter) Reboot(ctx context.Context) error {
	return nil
}
