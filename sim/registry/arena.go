// Package registry provides the generation-checked tables that back every
// interface handle, plus the name index enforcing one registration per key.
package registry

import (
	"fmt"

	"github.com/inference-sim/cosim/sim"
)

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Arena is a dense table of values addressed by sim.Handle. Freed slots are
// reused with a bumped generation, so a handle outliving its value fails
// lookup with NotFound instead of aliasing whatever took the slot.
//
// Arena is not safe for concurrent use.
type Arena[T any] struct {
	table uint16
	slots []slot[T]
	free  []uint32
	order []uint32 // live slot indexes in insertion order
}

// NewArena creates an empty arena whose handles carry the given table id.
func NewArena[T any](table uint16) *Arena[T] {
	return &Arena[T]{table: table}
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) sim.Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.generation++
	s.value = v
	s.live = true
	a.order = append(a.order, idx)
	return sim.Handle{Table: a.table, Index: idx, Generation: s.generation}
}

// Get returns the value behind h.
func (a *Arena[T]) Get(h sim.Handle) (T, error) {
	var zero T
	if err := a.check(h); err != nil {
		return zero, err
	}
	return a.slots[h.Index].value, nil
}

// Set replaces the value behind h.
func (a *Arena[T]) Set(h sim.Handle, v T) error {
	if err := a.check(h); err != nil {
		return err
	}
	a.slots[h.Index].value = v
	return nil
}

// Remove frees h. Later lookups through h fail.
func (a *Arena[T]) Remove(h sim.Handle) error {
	if err := a.check(h); err != nil {
		return err
	}
	var zero T
	s := &a.slots[h.Index]
	s.value = zero
	s.live = false
	a.free = append(a.free, h.Index)
	for i, idx := range a.order {
		if idx == h.Index {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return nil
}

func (a *Arena[T]) check(h sim.Handle) error {
	if h.Table != a.table {
		return sim.NewError(sim.CodeNotFound, "lookup handle", h.String(),
			fmt.Errorf("handle belongs to %s table, not %s", sim.TableName(h.Table), sim.TableName(a.table)))
	}
	if int(h.Index) >= len(a.slots) {
		return sim.NewError(sim.CodeNotFound, "lookup handle", h.String(), fmt.Errorf("no such slot"))
	}
	s := a.slots[h.Index]
	if !s.live || s.generation != h.Generation {
		return sim.NewError(sim.CodeNotFound, "lookup handle", h.String(), fmt.Errorf("handle is stale"))
	}
	return nil
}

// Len is the number of live values.
func (a *Arena[T]) Len() int { return len(a.order) }

// Each calls fn for every live value in insertion order until fn returns false.
func (a *Arena[T]) Each(fn func(h sim.Handle, v T) bool) {
	for _, idx := range append([]uint32(nil), a.order...) {
		s := a.slots[idx]
		if !fn(sim.Handle{Table: a.table, Index: idx, Generation: s.generation}, s.value) {
			return
		}
	}
}
