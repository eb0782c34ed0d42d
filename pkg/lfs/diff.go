package lfs

import (
	"fmt"
	"sort"
)

// Script is an ordered list of ops plus the identifier bindings made for
// provisional entities.
type Script struct {
	Ops []Op `json:"ops"`

	// Bindings maps identifiers in the desired model to the identifiers the
	// script uses for them.
	Bindings map[ID]ID `json:"bindings,omitempty"`
}

// Empty reports whether the script has no ops.
func (s *Script) Empty() bool {
	return len(s.Ops) == 0
}

// Counts returns the number of ops per kind.
func (s *Script) Counts() map[OpKind]int {
	out := make(map[OpKind]int)
	for _, op := range s.Ops {
		out[op.Kind]++
	}
	return out
}

// DiffAgainst computes the minimal script that transforms actual into a tree
// isomorphic to m.
//
// Children are placed directory by directory in target order, so creates
// precede their children and a directory's stale entries drift to the tail
// of its child list. Stale entities are deleted last, children before
// parents and lower identifiers first.
func (m *Model) DiffAgainst(actual *Model) (*Script, error) {
	target, bindings, err := m.bind(actual)
	if err != nil {
		return nil, err
	}

	work := actual.Clone()
	work.Limits = Limits{}
	s := &Script{Bindings: bindings}

	emit := func(op Op) error {
		if _, err := work.Apply(op); err != nil {
			return fmt.Errorf("diff produced an unappliable op (%s): %w", op, err)
		}
		s.Ops = append(s.Ops, op)
		return nil
	}

	var place func(dir ID) error
	place = func(dir ID) error {
		want := target.entities[dir].Children
		for i, cid := range want {
			c := target.entities[cid]
			w, exists := work.entities[cid]
			if !exists {
				var fork *Fork
				if c.IsFile() {
					fork = target.forks[c.Fork].fork
				}
				if err := emit(CreateOp(*c, dir, i, fork)); err != nil {
					return err
				}
			} else {
				if w.Parent != dir || work.entities[dir].indexOf(cid) != i {
					if err := emit(MoveOp(cid, dir, i)); err != nil {
						return err
					}
				}
				if w.Name != c.Name {
					if err := emit(RenameOp(cid, c.Name)); err != nil {
						return err
					}
				}
				if c.IsFile() && w.Fork != c.Fork {
					if err := emit(ReplaceForkOp(cid, target.forks[c.Fork].fork)); err != nil {
						return err
					}
				}
			}
		}
		for _, cid := range want {
			if target.entities[cid].IsDirectory() {
				if err := place(cid); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := place(RootID); err != nil {
		return nil, err
	}

	var prune func(id ID) error
	prune = func(id ID) error {
		children := append([]ID(nil), work.entities[id].Children...)
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
		for _, c := range children {
			if err := prune(c); err != nil {
				return err
			}
		}
		if _, keep := target.entities[id]; keep {
			return nil
		}
		return emit(DeleteOp(id))
	}
	if err := prune(RootID); err != nil {
		return nil, err
	}

	return s, nil
}

type matchKey struct {
	kind Kind
	name string
	fork ForkKey
}

func keyOf(e *Entity) matchKey {
	return matchKey{kind: e.Kind, name: e.Name, fork: e.Fork}
}

// Bind returns a copy of m with provisional entities bound to the actual
// entities they match, plus the bindings made. The copy has no provisional
// entities, so diffing it against actual makes no further bindings.
func (m *Model) Bind(actual *Model) (*Model, map[ID]ID, error) {
	return m.bind(actual)
}

// bind returns a copy of m in which provisional entities carry the
// identifier of the actual entity they match, and identifiers that clash
// with a different kind of actual entity are replaced by fresh ones.
func (m *Model) bind(actual *Model) (*Model, map[ID]ID, error) {
	mapping := make(map[ID]ID)
	claimed := make(map[ID]bool)

	for id, e := range m.entities {
		if e.Provisional {
			continue
		}
		if a, ok := actual.entities[id]; ok && a.Kind == e.Kind {
			claimed[id] = true
		}
	}

	candidates := make(map[matchKey][]ID)
	for _, id := range actual.IDs() {
		if id == RootID || claimed[id] {
			continue
		}
		a := actual.entities[id]
		if _, taken := m.entities[id]; taken && !m.entities[id].Provisional {
			continue
		}
		k := keyOf(a)
		candidates[k] = append(candidates[k], id)
	}

	var order []ID
	_ = m.Walk(func(e Entity, _ int) error {
		order = append(order, e.ID)
		return nil
	})

	used := make(map[ID]bool)
	for id := range m.entities {
		if !m.entities[id].Provisional {
			used[id] = true
		}
	}
	for id := range actual.entities {
		used[id] = true
	}

	var needFresh []ID
	for _, id := range order {
		e := m.entities[id]
		switch {
		case e.Provisional:
			k := keyOf(e)
			if ids := candidates[k]; len(ids) > 0 {
				mapping[id] = ids[0]
				candidates[k] = ids[1:]
				continue
			}
			if _, clash := actual.entities[id]; clash {
				needFresh = append(needFresh, id)
			} else {
				mapping[id] = id
				used[id] = true
			}
		default:
			if a, ok := actual.entities[id]; ok && a.Kind != e.Kind {
				needFresh = append(needFresh, id)
			}
		}
	}

	next := ID(1)
	for _, id := range needFresh {
		for next <= MaxID && (used[next] || isTarget(mapping, next)) {
			next++
		}
		if next > MaxID {
			return nil, nil, fmt.Errorf("binding entity %d: %w", id, ErrCapacityExceeded)
		}
		mapping[id] = next
		used[next] = true
		next++
	}

	bindings := make(map[ID]ID)
	for from, to := range mapping {
		if from != to {
			bindings[from] = to
		}
	}
	if len(bindings) == 0 {
		return m.unprovisional(), nil, nil
	}

	re := func(id ID) ID {
		if to, ok := bindings[id]; ok {
			return to
		}
		return id
	}
	out := &Model{
		entities:     make(map[ID]*Entity, len(m.entities)),
		forks:        m.Clone().forks,
		Flags:        m.Flags,
		Limits:       m.Limits,
		Inconsistent: m.Inconsistent,
	}
	for id, e := range m.entities {
		c := e.clone()
		c.ID = re(id)
		if c.Parent != NoID {
			c.Parent = re(c.Parent)
		}
		for i, ch := range c.Children {
			c.Children[i] = re(ch)
		}
		c.Provisional = false
		out.entities[c.ID] = c
	}
	return out, bindings, nil
}

func (m *Model) unprovisional() *Model {
	c := m.Clone()
	for _, e := range c.entities {
		e.Provisional = false
	}
	return c
}

func isTarget(mapping map[ID]ID, id ID) bool {
	for _, to := range mapping {
		if to == id {
			return true
		}
	}
	return false
}

// Rebind applies identifier bindings to m in place, typically after a
// script has been committed to a device.
func (m *Model) Rebind(bindings map[ID]ID) {
	if len(bindings) == 0 {
		return
	}
	re := func(id ID) ID {
		if to, ok := bindings[id]; ok {
			return to
		}
		return id
	}
	entities := make(map[ID]*Entity, len(m.entities))
	for id, e := range m.entities {
		e.ID = re(id)
		if e.Parent != NoID {
			e.Parent = re(e.Parent)
		}
		for i, c := range e.Children {
			e.Children[i] = re(c)
		}
		e.Provisional = false
		entities[e.ID] = e
	}
	m.entities = entities
}
