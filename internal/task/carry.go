package task

import "sync"

// CarryEntry threads intermediate artifact paths between stages of one
// task. The control plane has no schema for local paths; this store is
// their single source of truth inside the runner.
type CarryEntry struct {
	DownloadedFilePath string
	ConvertedFilePath  string
}

// CarryStore maps task ids to their carry entries. The runner loop
// creates and deletes entries; the download and convert states set their
// paths. Guarded by a mutex.
type CarryStore struct {
	mu      sync.RWMutex
	entries map[string]CarryEntry
}

// NewCarryStore creates an empty store.
func NewCarryStore() *CarryStore {
	return &CarryStore{entries: make(map[string]CarryEntry)}
}

// Create ensures an entry exists for the task. Idempotent: an existing
// entry is left untouched.
func (s *CarryStore) Create(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[taskID]; !ok {
		s.entries[taskID] = CarryEntry{}
	}
}

// SetDownloadedPath merges the downloaded artifact path into the entry.
func (s *CarryStore) SetDownloadedPath(taskID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[taskID]
	entry.DownloadedFilePath = path
	s.entries[taskID] = entry
}

// SetConvertedPath merges the converted artifact path into the entry.
func (s *CarryStore) SetConvertedPath(taskID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[taskID]
	entry.ConvertedFilePath = path
	s.entries[taskID] = entry
}

// Get returns the entry and whether it exists.
func (s *CarryStore) Get(taskID string) (CarryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[taskID]
	return entry, ok
}

// Delete removes the entry. Called on terminal transitions only.
func (s *CarryStore) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, taskID)
}

// Len returns the number of live entries.
func (s *CarryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
