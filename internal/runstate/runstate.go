// Package runstate holds the mutable state shared by the tools and the
// lifecycle hook during one run.
package runstate

import (
	"maps"
	"sync"
)

// State is the files written so far and the final summary, if any.
// It is safe for concurrent use. Concurrent file merges resolve per path,
// last writer wins.
type State struct {
	mu      sync.RWMutex
	files   map[string]string
	summary string
}

// New returns an empty state.
func New() *State {
	return &State{files: make(map[string]string)}
}

// Files returns a copy of the path→content mapping.
func (s *State) Files() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.files)
}

// MergeFiles applies every entry of files on top of the current mapping.
func (s *State) MergeFiles(files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.files, files)
}

// Summary returns the current summary ("" until the agent finishes).
func (s *State) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// SetSummary records summary. Empty values are ignored so a summary, once
// set, is never cleared.
func (s *State) SetSummary(summary string) {
	if summary == "" {
		return
	}
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
}

// Snapshot is an immutable copy of a State.
type Snapshot struct {
	Files   map[string]string `json:"files"`
	Summary string            `json:"summary"`
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Files: maps.Clone(s.files), Summary: s.summary}
}
