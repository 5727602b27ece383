// Package workspace manages per-task scratch directories.
//
// Layout:
//
//	<systemTemp>/videoconverter/<taskId>/                  downloads (+ .partN siblings)
//	<systemTemp>/videoconverter/<taskId>_converted.mp4     transcode output
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kinnato/vcrunner/internal/constants"
)

// Manager creates and disposes task scratch space under one root.
type Manager struct {
	root string
}

// NewManager creates a manager rooted under the system temp directory.
func NewManager() *Manager {
	return &Manager{root: filepath.Join(os.TempDir(), constants.ScratchDirName)}
}

// NewManagerAt creates a manager with an explicit root. Used by tests.
func NewManagerAt(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the scratch root.
func (m *Manager) Root() string {
	return m.root
}

// EnsureRoot creates the scratch root. Called once at startup.
func (m *Manager) EnsureRoot() error {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return fmt.Errorf("failed to create scratch root %s: %w", m.root, err)
	}
	return nil
}

// TaskDir creates (if needed) and returns the task's download directory.
func (m *Manager) TaskDir(taskID string) (string, error) {
	dir := filepath.Join(m.root, taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create task dir %s: %w", dir, err)
	}
	return dir, nil
}

// ConvertedPath returns the transcode output path for the task. The file
// lives next to the task dir, not inside it, so directory cleanup and
// output disposal stay independent.
func (m *Manager) ConvertedPath(taskID string) string {
	return filepath.Join(m.root, taskID+"_converted.mp4")
}

// CleanupTask removes the task's download directory and converted file.
// Missing paths are not errors; cleanup is idempotent.
func (m *Manager) CleanupTask(taskID string) error {
	var firstErr error

	if err := os.RemoveAll(filepath.Join(m.root, taskID)); err != nil {
		firstErr = fmt.Errorf("failed to remove task dir: %w", err)
	}
	if err := os.Remove(m.ConvertedPath(taskID)); err != nil && !os.IsNotExist(err) {
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to remove converted file: %w", err)
		}
	}
	return firstErr
}
