// Package pathmap maps paths between the watched source tree and the board's
// filesystem, and owns the inclusion/exclusion rules.
package pathmap

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/boardsync/boardsync/internal/utils"
)

// IgnoreFileName is an optional gitignore-style file in the watch root whose
// rules are appended to the defaults.
const IgnoreFileName = "boardignore"

var defaultIgnoreLines = []string{
	// boardsync
	IgnoreFileName,
	// hidden files and editor droppings
	".*",
	"*~",
	"*.swp",
	"*.swo",
	"*.tmp",
	"*.bak",
	// python
	"__pycache__/",
	"*.py[cod]",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
}

// defaultProtectedPatterns are device paths that must never be deleted during
// reconciliation, either because the board needs them to boot or because the
// host OS owns them on the mount.
var defaultProtectedPatterns = []string{
	"boot.py",
	".Trashes/**",
	".fseventsd/**",
	".metadata_never_index",
	"System Volume Information/**",
}

// Mapper is a pure translator between watch-root relative paths and device
// paths. No side effects after construction, deterministic.
type Mapper struct {
	root      string
	mainFile  string
	ignore    *gitignore.GitIgnore
	protected []string
}

func NewMapper(root string, mainFile string) *Mapper {
	m := &Mapper{
		root:      filepath.Clean(root),
		mainFile:  mainFile,
		protected: defaultProtectedPatterns,
	}
	m.loadIgnoreRules()
	return m
}

func (m *Mapper) Root() string {
	return m.root
}

// Rel converts an absolute local path to a normalized WatchedPath. Paths
// outside the watch root are rejected.
func (m *Mapper) Rel(absPath string) (string, error) {
	relPath, err := filepath.Rel(m.root, absPath)
	if err != nil {
		return "", err
	}
	relPath = NormPath(relPath)
	if relPath == "." || relPath == "" || strings.HasPrefix(relPath, "../") || relPath == ".." {
		return "", fmt.Errorf("path outside watch root: %s", absPath)
	}
	return relPath, nil
}

// Abs converts a WatchedPath back to an absolute local path.
func (m *Mapper) Abs(relPath string) string {
	return filepath.Join(m.root, filepath.FromSlash(relPath))
}

// Excluded reports whether a WatchedPath matches the exclusion rules.
func (m *Mapper) Excluded(relPath string) bool {
	return m.ignore.MatchesPath(relPath)
}

// ToDevicePath maps a WatchedPath to its device path. ok is false when the
// path is excluded from syncing. Only a leading parent segment escapes the
// root; filenames may legitimately contain consecutive dots.
func (m *Mapper) ToDevicePath(relPath string) (string, bool) {
	relPath = NormPath(relPath)
	if relPath == "" || relPath == "." || relPath == ".." || strings.HasPrefix(relPath, "../") {
		return "", false
	}
	if m.Excluded(relPath) {
		return "", false
	}
	return relPath, true
}

// FromDevicePath maps a device path back to a WatchedPath. ok is false when
// the device path has no syncable local counterpart (excluded or protected),
// which also shields it from startup deletes.
func (m *Mapper) FromDevicePath(devicePath string) (string, bool) {
	devicePath = NormPath(devicePath)
	if devicePath == "" || devicePath == "." {
		return "", false
	}
	if m.IsProtected(devicePath) || m.Excluded(devicePath) {
		return "", false
	}
	return devicePath, true
}

// IsMain reports whether the path is the configured main file. Main file
// changes sync like any other; this only exists for log annotations.
func (m *Mapper) IsMain(relPath string) bool {
	return NormPath(relPath) == m.mainFile
}

// IsProtected reports whether a device path must never be deleted.
func (m *Mapper) IsProtected(devicePath string) bool {
	for _, pattern := range m.protected {
		if ok, err := doublestar.Match(pattern, devicePath); err == nil && ok {
			return true
		}
	}
	return false
}

func (m *Mapper) loadIgnoreRules() {
	ignoreLines := defaultIgnoreLines

	ignorePath := filepath.Join(m.root, IgnoreFileName)
	if utils.FileExists(ignorePath) {
		rules := 0
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open boardignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" && !strings.HasPrefix(line, "#") {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("error reading boardignore file", "path", ignorePath, "error", err)
			} else {
				slog.Info("loaded boardignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	m.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// NormPath normalizes a path by cleaning it, replacing backslashes with
// slashes, and trimming leading slashes.
func NormPath(path string) string {
	path = filepath.Clean(path)
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.TrimLeft(path, "/")
	return path
}
