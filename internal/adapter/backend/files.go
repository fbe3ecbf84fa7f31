// Package backend holds the backend registry and the pieces shared by the
// agent backends: group workspace file access and the IPC input queue.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"omniclaw/internal/domain"
	"omniclaw/internal/security"
	"omniclaw/internal/usecase/ipc"
)

// Files implements the file half of domain.Backend on the local filesystem.
// Backends that keep group workspaces on local disk embed it.
type Files struct {
	Workspace *security.Workspace
	IPC       ipc.Layout
}

// NewFiles creates the shared file helpers.
func NewFiles(ws *security.Workspace, layout ipc.Layout) *Files {
	return &Files{Workspace: ws, IPC: layout}
}

// WriteIPCData atomically writes a named file into the group's IPC root.
func (f *Files) WriteIPCData(_ context.Context, groupFolder, name string, data []byte) error {
	if err := domain.ValidateFolder(groupFolder); err != nil {
		return err
	}
	return ipc.WriteAtomic(f.IPC.GroupDir(groupFolder), name, data)
}

// ReadFile reads a file under the group's workspace.
func (f *Files) ReadFile(_ context.Context, groupFolder, relPath string) ([]byte, error) {
	path, err := f.Workspace.Resolve(groupFolder, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, domain.NewSubSystemError("backend", "ReadFile", domain.ErrNotFound, relPath)
	}
	return data, err
}

// WriteFile writes a file under the group's workspace, creating parents.
func (f *Files) WriteFile(_ context.Context, groupFolder, relPath string, data []byte) error {
	path, err := f.Workspace.Resolve(groupFolder, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// PrepareGroup creates the group's workspace and IPC directories and returns
// the workspace directory.
func (f *Files) PrepareGroup(groupFolder string) (string, error) {
	dir, err := f.Workspace.GroupDir(groupFolder)
	if err != nil {
		return "", err
	}
	if err := f.IPC.Ensure(groupFolder); err != nil {
		return "", err
	}
	return dir, nil
}

// QueueInput drops a message file into the group's IPC input directory.
func (f *Files) QueueInput(groupFolder, text string) error {
	_, err := ipc.WriteMessage(f.IPC.InputDir(groupFolder), domain.IPCMessage{Type: domain.IPCTypeMessage, Text: text})
	return err
}

// QueueClose drops the _close sentinel into the group's IPC input directory.
func (f *Files) QueueClose(groupFolder string) error {
	return ipc.WriteClose(f.IPC.InputDir(groupFolder))
}

// ClearInput removes a stale _close sentinel and unfinished temp files
// before a new run starts. Queued messages stay for the next agent.
func (f *Files) ClearInput(groupFolder string) error {
	dir := f.IPC.InputDir(groupFolder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || (e.Name() != domain.IPCCloseSentinel && !ipc.IsTemp(e.Name())) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
