package registry

import (
	"fmt"

	"github.com/inference-sim/cosim/sim"
)

// QualifyName returns the registered name of an interface: the key itself
// for global interfaces, "<federate>/<key>" for local ones.
func QualifyName(federate, key string, global bool) string {
	if global || federate == "" || key == "" {
		return key
	}
	return federate + "/" + key
}

// Registry is an Arena with a unique name index. Unnamed entries are
// allowed and are reachable only by handle.
//
// Registry is not safe for concurrent use.
type Registry[T any] struct {
	kind  string
	arena *Arena[T]
	names map[string]sim.Handle
	byIdx map[uint32]string
}

// New creates an empty registry for one interface table.
func New[T any](table uint16) *Registry[T] {
	return &Registry[T]{
		kind:  sim.TableName(table),
		arena: NewArena[T](table),
		names: make(map[string]sim.Handle),
		byIdx: make(map[uint32]string),
	}
}

// Register stores v under name. A second registration of the same
// non-empty name fails with DuplicateName.
func (r *Registry[T]) Register(name string, v T) (sim.Handle, error) {
	if name != "" {
		if _, exists := r.names[name]; exists {
			return sim.Handle{}, sim.NewError(sim.CodeDuplicateName, "register "+r.kind, name,
				fmt.Errorf("%s already registered", r.kind))
		}
	}
	h := r.arena.Insert(v)
	if name != "" {
		r.names[name] = h
		r.byIdx[h.Index] = name
	}
	return h, nil
}

// Lookup finds the handle registered under name.
func (r *Registry[T]) Lookup(name string) (sim.Handle, T, error) {
	var zero T
	h, ok := r.names[name]
	if !ok {
		return sim.Handle{}, zero, sim.NewError(sim.CodeNotFound, "lookup "+r.kind, name,
			fmt.Errorf("no %s with that name", r.kind))
	}
	v, err := r.arena.Get(h)
	return h, v, err
}

// Get returns the value behind h.
func (r *Registry[T]) Get(h sim.Handle) (T, error) {
	return r.arena.Get(h)
}

// NameOf returns the name h was registered under.
func (r *Registry[T]) NameOf(h sim.Handle) (string, error) {
	if _, err := r.arena.Get(h); err != nil {
		return "", err
	}
	return r.byIdx[h.Index], nil
}

// Remove releases h and its name.
func (r *Registry[T]) Remove(h sim.Handle) error {
	if err := r.arena.Remove(h); err != nil {
		return err
	}
	if name, ok := r.byIdx[h.Index]; ok {
		delete(r.names, name)
		delete(r.byIdx, h.Index)
	}
	return nil
}

// Len is the number of live entries. It is always derived from the arena.
func (r *Registry[T]) Len() int { return r.arena.Len() }

// Each visits entries in registration order until fn returns false.
func (r *Registry[T]) Each(fn func(h sim.Handle, name string, v T) bool) {
	r.arena.Each(func(h sim.Handle, v T) bool {
		return fn(h, r.byIdx[h.Index], v)
	})
}

// Names returns the non-empty names in registration order.
func (r *Registry[T]) Names() []string {
	out := make([]string, 0, len(r.names))
	r.Each(func(_ sim.Handle, name string, _ T) bool {
		if name != "" {
			out = append(out, name)
		}
		return true
	})
	return out
}
