// Package state persists trading accounting state across restarts.
//
// The snapshot is written atomically: serialize to a temp file, rotate the
// previous snapshot to a backup path, then rename the temp file into place.
// A crash mid-write therefore never leaves a half-written primary, and the
// last valid snapshot always survives as the backup.
package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// Snapshot is the persisted accounting state, keyed by symbol. Decimal
// values serialize as strings so no precision is lost on disk.
type Snapshot struct {
	Position     map[string]decimal.Decimal  `json:"position"`
	Entry        map[string]*decimal.Decimal `json:"entry"`
	Real         map[string]decimal.Decimal  `json:"real"`
	Unreal       map[string]decimal.Decimal  `json:"unreal"`
	HighWater    decimal.Decimal             `json:"high_water"`
	SymHighWater map[string]decimal.Decimal  `json:"sym_high_water"`
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Position:     make(map[string]decimal.Decimal),
		Entry:        make(map[string]*decimal.Decimal),
		Real:         make(map[string]decimal.Decimal),
		Unreal:       make(map[string]decimal.Decimal),
		SymHighWater: make(map[string]decimal.Decimal),
	}
}

// Store reads and writes snapshots at a fixed pair of paths.
type Store struct {
	Path       string
	BackupPath string
}

// NewStore builds a store for the given primary and backup paths.
func NewStore(path, backupPath string) *Store {
	return &Store{Path: path, BackupPath: backupPath}
}

// Save writes the snapshot atomically, preserving the previous one as backup.
func (s *Store) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: marshal snapshot: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: write temp snapshot: %w", err)
	}
	if _, err := os.Stat(s.Path); err == nil {
		if err := os.Rename(s.Path, s.BackupPath); err != nil {
			return fmt.Errorf("state: rotate backup: %w", err)
		}
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("state: install snapshot: %w", err)
	}
	return nil
}

// Load reads the primary snapshot, falling back to the backup when the
// primary is unreadable or corrupt. Missing both files is not an error; the
// engine simply starts from an empty state.
func (s *Store) Load() Snapshot {
	if snap, err := read(s.Path); err == nil {
		return snap
	}
	if snap, err := read(s.BackupPath); err == nil {
		return snap
	}
	return NewSnapshot()
}

func read(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	snap := NewSnapshot()
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("state: parse %s: %w", path, err)
	}
	return snap, nil
}
