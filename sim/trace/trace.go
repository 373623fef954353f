package trace

import (
	"slices"
	"sync"
)

// Level controls the verbosity of federation tracing.
type Level string

const (
	// LevelNone disables tracing (zero overhead).
	LevelNone Level = "none"
	// LevelGrants captures every time and execution grant.
	LevelGrants Level = "grants"
	// LevelFull captures grants plus every value and message delivery and drop.
	LevelFull Level = "full"
)

// validLevels maps accepted trace level strings.
var validLevels = map[Level]bool{
	LevelNone:   true,
	LevelGrants: true,
	LevelFull:   true,
	"":          true, // empty defaults to none
}

// IsValidLevel returns true if the given level string is a recognized trace level.
func IsValidLevel(level string) bool {
	return validLevels[Level(level)]
}

// FederationTrace collects coordination records while a federation runs.
// The root node writes records from its worker; readers may call the
// accessors concurrently.
type FederationTrace struct {
	level Level

	mu         sync.Mutex
	grants     []GrantRecord
	deliveries []DeliveryRecord
	drops      []DropRecord
}

// NewFederationTrace creates a FederationTrace ready for recording.
// A nil trace is valid and records nothing.
func NewFederationTrace(level Level) *FederationTrace {
	if level == "" {
		level = LevelNone
	}
	return &FederationTrace{
		level:      level,
		grants:     make([]GrantRecord, 0),
		deliveries: make([]DeliveryRecord, 0),
		drops:      make([]DropRecord, 0),
	}
}

// Level returns the configured trace level.
func (ft *FederationTrace) Level() Level {
	if ft == nil {
		return LevelNone
	}
	return ft.level
}

// Enabled reports whether records at lvl are kept.
func (ft *FederationTrace) Enabled(lvl Level) bool {
	if ft == nil {
		return false
	}
	switch ft.level {
	case LevelFull:
		return lvl == LevelGrants || lvl == LevelFull
	case LevelGrants:
		return lvl == LevelGrants
	}
	return false
}

// RecordGrant appends a grant record.
func (ft *FederationTrace) RecordGrant(r GrantRecord) {
	if !ft.Enabled(LevelGrants) {
		return
	}
	ft.mu.Lock()
	ft.grants = append(ft.grants, r)
	ft.mu.Unlock()
}

// RecordDelivery appends a delivery record.
func (ft *FederationTrace) RecordDelivery(r DeliveryRecord) {
	if !ft.Enabled(LevelFull) {
		return
	}
	ft.mu.Lock()
	ft.deliveries = append(ft.deliveries, r)
	ft.mu.Unlock()
}

// RecordDrop appends a drop record.
func (ft *FederationTrace) RecordDrop(r DropRecord) {
	if !ft.Enabled(LevelFull) {
		return
	}
	ft.mu.Lock()
	ft.drops = append(ft.drops, r)
	ft.mu.Unlock()
}

// Grants returns a copy of the recorded grants in order.
func (ft *FederationTrace) Grants() []GrantRecord {
	if ft == nil {
		return nil
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return slices.Clone(ft.grants)
}

// Deliveries returns a copy of the recorded deliveries in order.
func (ft *FederationTrace) Deliveries() []DeliveryRecord {
	if ft == nil {
		return nil
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return slices.Clone(ft.deliveries)
}

// Drops returns a copy of the recorded drops in order.
func (ft *FederationTrace) Drops() []DropRecord {
	if ft == nil {
		return nil
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return slices.Clone(ft.drops)
}
