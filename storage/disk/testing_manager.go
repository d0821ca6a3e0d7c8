package disk

import "testing"

// TestingNewFileManager initializes disk manager with file storage under t.TempDir()
// because we want to remove the generated file after test is completed
func TestingNewFileManager(t *testing.T) (*Manager, error) {
	return NewManager(t.TempDir(), 0)
}

// TestingNewBufferManager initializes disk manager with buffer storage instead of file storage. This prevents unnecessary disk I/O.
func TestingNewBufferManager() *Manager {
	return NewMemoryManager(0)
}
