package lfs

import (
	"fmt"
	"sort"
	"strings"
)

type forkEntry struct {
	fork *Fork
	refs int
}

// Model is an in-memory LFS tree.
type Model struct {
	entities map[ID]*Entity
	forks    map[ForkKey]*forkEntry

	// Flags is the dirty-flag word observed when the model was built.
	Flags DirtyFlags

	// Limits bound entity count and fork storage; enforced by Apply.
	Limits Limits

	// Inconsistent is set on snapshots taken while an update was in progress.
	Inconsistent bool
}

// New returns a model holding only an empty root directory.
func New() *Model {
	m := &Model{
		entities: make(map[ID]*Entity),
		forks:    make(map[ForkKey]*forkEntry),
	}
	m.entities[RootID] = &Entity{
		ID:       RootID,
		Kind:     KindDirectory,
		Parent:   NoID,
		Children: []ID{},
	}
	return m
}

// Entity returns a copy of the entity with the given identifier.
func (m *Model) Entity(id ID) (Entity, bool) {
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e.clone(), true
}

// Has reports whether an entity exists.
func (m *Model) Has(id ID) bool {
	_, ok := m.entities[id]
	return ok
}

// Children returns the ordered children of a directory.
func (m *Model) Children(id ID) []ID {
	e, ok := m.entities[id]
	if !ok {
		return nil
	}
	return append([]ID(nil), e.Children...)
}

// Fork returns the fork stored under key.
func (m *Model) Fork(key ForkKey) (*Fork, bool) {
	fe, ok := m.forks[key]
	if !ok {
		return nil, false
	}
	return fe.fork, true
}

// ForkOf returns the fork referenced by a file.
func (m *Model) ForkOf(id ID) (*Fork, bool) {
	e, ok := m.entities[id]
	if !ok || !e.IsFile() {
		return nil, false
	}
	return m.Fork(e.Fork)
}

// Forks returns all live forks ordered by key.
func (m *Model) Forks() []*Fork {
	out := make([]*Fork, 0, len(m.forks))
	for _, fe := range m.forks {
		out = append(out, fe.fork)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Len returns the number of entities excluding the root.
func (m *Model) Len() int {
	return len(m.entities) - 1
}

// ForkBytes returns the total size of live forks.
func (m *Model) ForkBytes() int64 {
	var n int64
	for _, fe := range m.forks {
		n += fe.fork.Size
	}
	return n
}

// IDs returns all entity identifiers in ascending order.
func (m *Model) IDs() []ID {
	ids := make([]ID, 0, len(m.entities))
	for id := range m.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Walk visits every entity in pre-order, following child order.
func (m *Model) Walk(fn func(e Entity, depth int) error) error {
	return m.walk(RootID, 0, fn)
}

func (m *Model) walk(id ID, depth int, fn func(e Entity, depth int) error) error {
	e := m.entities[id]
	if err := fn(*e.clone(), depth); err != nil {
		return err
	}
	for _, c := range e.Children {
		if err := m.walk(c, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the slash separated path of an entity.
func (m *Model) Path(id ID) string {
	var parts []string
	for cur := id; cur != RootID && cur != NoID; {
		e, ok := m.entities[cur]
		if !ok {
			break
		}
		parts = append(parts, e.Name)
		cur = e.Parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// NextID returns the lowest identifier not in use.
func (m *Model) NextID() (ID, error) {
	for id := ID(1); id <= MaxID; id++ {
		if _, ok := m.entities[id]; !ok {
			return id, nil
		}
	}
	return NoID, ErrCapacityExceeded
}

// Clone returns a deep copy. Fork bytes are shared; forks are immutable.
func (m *Model) Clone() *Model {
	c := &Model{
		entities:     make(map[ID]*Entity, len(m.entities)),
		forks:        make(map[ForkKey]*forkEntry, len(m.forks)),
		Flags:        m.Flags,
		Limits:       m.Limits,
		Inconsistent: m.Inconsistent,
	}
	for id, e := range m.entities {
		c.entities[id] = e.clone()
	}
	for k, fe := range m.forks {
		c.forks[k] = &forkEntry{fork: fe.fork, refs: fe.refs}
	}
	return c
}

// Records returns the tree as an ordered entity list: forks by key, then
// files and directories in pre-order.
func (m *Model) Records() []Record {
	out := make([]Record, 0, len(m.forks)+len(m.entities))
	for _, f := range m.Forks() {
		out = append(out, Record{Kind: KindFork, Fork: f.Descriptor()})
	}
	_ = m.Walk(func(e Entity, _ int) error {
		ent := e
		out = append(out, Record{Kind: e.Kind, Entity: &ent})
		return nil
	})
	return out
}

// Listing returns the model as a device listing.
func (m *Model) Listing() *Listing {
	return &Listing{Records: m.Records(), Limits: m.Limits}
}

// isAncestor reports whether a is b or one of b's ancestors.
func (m *Model) isAncestor(a, b ID) bool {
	for cur := b; cur != NoID; {
		if cur == a {
			return true
		}
		e, ok := m.entities[cur]
		if !ok {
			return false
		}
		cur = e.Parent
	}
	return false
}

func (m *Model) ref(f *Fork) {
	if fe, ok := m.forks[f.Key]; ok {
		fe.refs++
		return
	}
	m.forks[f.Key] = &forkEntry{fork: f.clone(), refs: 1}
}

func (m *Model) unref(key ForkKey) {
	fe, ok := m.forks[key]
	if !ok {
		return
	}
	fe.refs--
	if fe.refs <= 0 {
		delete(m.forks, key)
	}
}

// checkCapacity reports whether adding entities and a fork stays in limits.
func (m *Model) checkCapacity(addEntities int, add *Fork, release ForkKey) error {
	if m.Limits.MaxEntities > 0 && m.Len()+addEntities > m.Limits.MaxEntities {
		return fmt.Errorf("%w: %d entities exceeds limit %d",
			ErrCapacityExceeded, m.Len()+addEntities, m.Limits.MaxEntities)
	}
	if add == nil || m.Limits.MaxForkBytes <= 0 {
		return nil
	}
	if _, ok := m.forks[add.Key]; ok {
		return nil
	}
	total := m.ForkBytes() + add.Size
	if fe, ok := m.forks[release]; ok && fe.refs == 1 && !release.IsZero() {
		total -= fe.fork.Size
	}
	if total > m.Limits.MaxForkBytes {
		return fmt.Errorf("%w: %d fork bytes exceeds limit %d",
			ErrCapacityExceeded, total, m.Limits.MaxForkBytes)
	}
	return nil
}

// FromListing builds a model from a device listing.
//
// In strict mode any structural problem fails the build. In lenient mode,
// used for snapshots taken while an update was in progress, broken records
// are dropped and returned so the caller can remove them from the device:
// entities unreachable from the root are discarded and files whose fork is
// missing or partially written keep a zero fork key.
func FromListing(l *Listing, strict bool) (*Model, []Record, error) {
	m := New()
	m.Limits = l.Limits
	var discarded []Record

	forks := make(map[ForkKey]*Fork)
	entities := make(map[ID]*Entity)
	for i, r := range l.Records {
		switch r.Kind {
		case KindFork:
			if r.Fork == nil {
				return nil, nil, fmt.Errorf("%w: record %d: fork record without fork", ErrInconsistentTree, i)
			}
			if r.Fork.Partial {
				if strict {
					return nil, nil, fmt.Errorf("%w: fork %s is partially written", ErrInconsistentTree, r.Fork.Key)
				}
				continue
			}
			forks[r.Fork.Key] = r.Fork.Descriptor()
		case KindFile, KindDirectory:
			if r.Entity == nil {
				return nil, nil, fmt.Errorf("%w: record %d: %s record without entity", ErrInconsistentTree, i, r.Kind)
			}
			if r.Entity.Kind != r.Kind {
				return nil, nil, fmt.Errorf("%w: record %d: kind %s does not match entity kind %s",
					ErrInconsistentTree, i, r.Kind, r.Entity.Kind)
			}
			if _, dup := entities[r.Entity.ID]; dup {
				return nil, nil, fmt.Errorf("%w: duplicate entity %d", ErrInconsistentTree, r.Entity.ID)
			}
			entities[r.Entity.ID] = r.Entity.clone()
		default:
			return nil, nil, fmt.Errorf("%w: record %d: %v", ErrInconsistentTree, i, r.Kind.Validate())
		}
	}

	if root, ok := entities[RootID]; ok {
		if !root.IsDirectory() {
			return nil, nil, fmt.Errorf("%w: root is a %s", ErrInconsistentTree, root.Kind)
		}
		m.entities[RootID].Name = root.Name
		m.entities[RootID].Modified = root.Modified
	} else if strict {
		return nil, nil, fmt.Errorf("%w: listing has no root directory", ErrInconsistentTree)
	}

	reached := map[ID]bool{RootID: true}
	queue := []ID{RootID}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		src, ok := entities[pid]
		if !ok {
			continue
		}
		parent := m.entities[pid]
		for _, cid := range src.Children {
			child, ok := entities[cid]
			switch {
			case !ok:
				if strict {
					return nil, nil, fmt.Errorf("%w: directory %d lists missing child %d", ErrInconsistentTree, pid, cid)
				}
				continue
			case child.Parent != pid || reached[cid]:
				if strict {
					return nil, nil, fmt.Errorf("%w: entity %d is listed under %d but has parent %d",
						ErrInconsistentTree, cid, pid, child.Parent)
				}
				continue
			}
			reached[cid] = true
			e := child.clone()
			if e.IsDirectory() {
				e.Children = []ID{}
				queue = append(queue, cid)
			} else {
				e.Children = nil
				if f, ok := forks[e.Fork]; ok {
					m.ref(f)
				} else if strict {
					return nil, nil, fmt.Errorf("%w: file %d references missing fork %s", ErrInconsistentTree, cid, e.Fork)
				} else {
					e.Fork = ForkKey{}
				}
			}
			m.entities[cid] = e
			parent.Children = append(parent.Children, cid)
		}
	}

	var orphans []ID
	for id := range entities {
		if !reached[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if strict {
			sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
			return nil, nil, fmt.Errorf("%w: entities %v are not reachable from the root", ErrInconsistentTree, orphans)
		}
		depth := func(id ID) int {
			d := 0
			for cur := id; d <= len(entities); d++ {
				e, ok := entities[cur]
				if !ok || reached[cur] {
					break
				}
				cur = e.Parent
			}
			return d
		}
		sort.Slice(orphans, func(i, j int) bool {
			di, dj := depth(orphans[i]), depth(orphans[j])
			if di != dj {
				return di > dj
			}
			return orphans[i] < orphans[j]
		})
		for _, id := range orphans {
			discarded = append(discarded, Record{Kind: entities[id].Kind, Entity: entities[id]})
		}
	}

	return m, discarded, nil
}
