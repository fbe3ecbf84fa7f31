// Package ipc implements the file-drop protocol shared by the host and agent
// processes: atomically written JSON files consumed in name order, plus a
// zero-byte _close sentinel.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"omniclaw/internal/domain"
)

// DefaultMaxFileBytes caps the size of one IPC file.
const DefaultMaxFileBytes = 1 << 20

const (
	jsonSuffix     = ".json"
	rejectedSuffix = ".rejected"
	tmpPrefix      = ".tmp-"
)

// Layout resolves per-group IPC directories under a root.
type Layout struct {
	Root string
}

// GroupDir returns the IPC root of a group.
func (l Layout) GroupDir(folder string) string { return filepath.Join(l.Root, folder) }

// InputDir is written by the host and read by the agent.
func (l Layout) InputDir(folder string) string {
	return filepath.Join(l.Root, folder, domain.IPCInputDir)
}

// MessagesDir is written by the agent and read by the host.
func (l Layout) MessagesDir(folder string) string {
	return filepath.Join(l.Root, folder, domain.IPCMessagesDir)
}

// Ensure creates the group's IPC directories.
func (l Layout) Ensure(folder string) error {
	if err := domain.ValidateFolder(folder); err != nil {
		return err
	}
	for _, dir := range []string{l.InputDir(folder), l.MessagesDir(folder)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ipc dir: %w", err)
		}
	}
	return nil
}

// IsTemp reports whether name is an unfinished atomic write.
func IsTemp(name string) bool { return strings.HasPrefix(name, tmpPrefix) }

// NewFileName returns a ULID-based .json name. ulid.Make draws from a shared
// monotonic source, so names sort in creation order even within the same
// millisecond.
func NewFileName() string {
	return ulid.Make().String() + jsonSuffix
}

// WriteAtomic writes data to dir/name through a temp file and rename, so a
// consumer never observes a partial file.
func WriteAtomic(dir, name string, data []byte) error {
	if name == "" || strings.ContainsRune(name, filepath.Separator) || strings.HasPrefix(name, ".") {
		return domain.NewSubSystemError("ipc", "WriteAtomic", domain.ErrInvalidInput, fmt.Sprintf("bad file name %q", name))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ipc: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("ipc: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("ipc: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("ipc: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("ipc: close temp: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("ipc: rename: %w", err)
	}
	return nil
}

// WriteMessage drops msg into dir under a fresh name and returns the name.
func WriteMessage(dir string, msg domain.IPCMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("ipc: marshal: %w", err)
	}
	name := NewFileName()
	if err := WriteAtomic(dir, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// WriteClose drops the _close sentinel into dir.
func WriteClose(dir string) error {
	return WriteAtomic(dir, domain.IPCCloseSentinel, nil)
}
