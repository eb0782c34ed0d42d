package lfs

import (
	"fmt"
)

// OpKind is the tag of an edit op.
type OpKind string

const (
	// OpCreate adds a file or directory under a parent at an index.
	OpCreate OpKind = "create_entity"

	// OpDelete removes a file or an empty directory.
	OpDelete OpKind = "delete_entity"

	// OpMove re-parents or re-orders an entity.
	OpMove OpKind = "move_entity"

	// OpReplaceFork points a file at new fork content.
	OpReplaceFork OpKind = "replace_fork"

	// OpRename changes an entity's name.
	OpRename OpKind = "rename_entity"
)

// Validate checks if the op kind is valid.
func (k OpKind) Validate() error {
	switch k {
	case OpCreate, OpDelete, OpMove, OpReplaceFork, OpRename:
		return nil
	default:
		return fmt.Errorf("invalid op kind: %s", k)
	}
}

// CarriesFork reports whether ops of this kind introduce fork content.
func (k OpKind) CarriesFork() bool {
	return k == OpCreate || k == OpReplaceFork
}

// Op is a single atomic edit. Which fields are meaningful depends on Kind:
//
//	create_entity: Entity, Parent, Index, Fork (files)
//	delete_entity: ID
//	move_entity:   ID, Parent, Index
//	replace_fork:  ID, Fork
//	rename_entity: ID, Name
//
// Index is the position in the parent's children after the entity has been
// removed from its old position.
type Op struct {
	Kind   OpKind  `json:"kind"`
	ID     ID      `json:"id"`
	Entity *Entity `json:"entity,omitempty"`
	Parent ID      `json:"parent"`
	Index  int     `json:"index"`
	Fork   *Fork   `json:"fork,omitempty"`
	Name   string  `json:"name,omitempty"`
}

// CreateOp returns an op creating e under parent at index. Files must pass
// their fork.
func CreateOp(e Entity, parent ID, index int, fork *Fork) Op {
	ent := e.clone()
	ent.Parent = parent
	ent.Children = nil
	ent.Provisional = false
	if fork != nil {
		ent.Fork = fork.Key
	}
	return Op{Kind: OpCreate, ID: e.ID, Entity: ent, Parent: parent, Index: index, Fork: fork}
}

// DeleteOp returns an op deleting id.
func DeleteOp(id ID) Op {
	return Op{Kind: OpDelete, ID: id, Parent: NoID}
}

// MoveOp returns an op moving id under parent at index.
func MoveOp(id, parent ID, index int) Op {
	return Op{Kind: OpMove, ID: id, Parent: parent, Index: index}
}

// ReplaceForkOp returns an op pointing file id at fork.
func ReplaceForkOp(id ID, fork *Fork) Op {
	return Op{Kind: OpReplaceFork, ID: id, Parent: NoID, Fork: fork}
}

// RenameOp returns an op renaming id.
func RenameOp(id ID, name string) Op {
	return Op{Kind: OpRename, ID: id, Parent: NoID, Name: name}
}

func (o Op) String() string {
	switch o.Kind {
	case OpCreate:
		kind := Kind("?")
		name := ""
		if o.Entity != nil {
			kind, name = o.Entity.Kind, o.Entity.Name
		}
		return fmt.Sprintf("create %s %d %q under %d at %d", kind, o.ID, name, o.Parent, o.Index)
	case OpDelete:
		return fmt.Sprintf("delete %d", o.ID)
	case OpMove:
		return fmt.Sprintf("move %d under %d at %d", o.ID, o.Parent, o.Index)
	case OpReplaceFork:
		if o.Fork == nil {
			return fmt.Sprintf("replace fork of %d", o.ID)
		}
		return fmt.Sprintf("replace fork of %d with %s", o.ID, o.Fork.Key)
	case OpRename:
		return fmt.Sprintf("rename %d to %q", o.ID, o.Name)
	default:
		return fmt.Sprintf("%s %d", o.Kind, o.ID)
	}
}

// WithFork returns a copy of the op carrying a different fork. Used to swap
// source content for the transcoded container before an op is sent.
func (o Op) WithFork(f *Fork) Op {
	o.Fork = f
	if o.Kind == OpCreate && o.Entity != nil && f != nil {
		ent := o.Entity.clone()
		ent.Fork = f.Key
		o.Entity = ent
	}
	return o
}

// Apply validates op against the model and commits it atomically. It returns
// the op that reverses the change. On error the model is unchanged.
func (m *Model) Apply(op Op) (Op, error) {
	if err := op.Kind.Validate(); err != nil {
		return Op{}, opErr(op, fmt.Errorf("%w: %v", ErrInvalidOp, err))
	}
	var (
		inverse Op
		err     error
	)
	switch op.Kind {
	case OpCreate:
		inverse, err = m.applyCreate(op)
	case OpDelete:
		inverse, err = m.applyDelete(op)
	case OpMove:
		inverse, err = m.applyMove(op)
	case OpReplaceFork:
		inverse, err = m.applyReplaceFork(op)
	case OpRename:
		inverse, err = m.applyRename(op)
	}
	if err != nil {
		return Op{}, opErr(op, err)
	}
	return inverse, nil
}

func (m *Model) directory(id ID) (*Entity, error) {
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("parent %d: %w", id, ErrNotFound)
	}
	if !e.IsDirectory() {
		return nil, fmt.Errorf("parent %d: %w", id, ErrNotDirectory)
	}
	return e, nil
}

func (m *Model) applyCreate(op Op) (Op, error) {
	if op.Entity == nil {
		return Op{}, fmt.Errorf("%w: create without entity", ErrInvalidOp)
	}
	e := op.Entity.clone()
	if e.ID != op.ID {
		return Op{}, fmt.Errorf("%w: entity id %d does not match op id", ErrInvalidOp, e.ID)
	}
	if e.ID == RootID || e.ID == NoID {
		return Op{}, fmt.Errorf("%w: reserved identifier", ErrInvalidOp)
	}
	if _, ok := m.entities[e.ID]; ok {
		return Op{}, ErrExists
	}
	if e.Name == "" {
		return Op{}, fmt.Errorf("%w: empty name", ErrInvalidOp)
	}
	parent, err := m.directory(op.Parent)
	if err != nil {
		return Op{}, err
	}
	if op.Index < 0 || op.Index > len(parent.Children) {
		return Op{}, fmt.Errorf("%w: index %d out of range [0,%d]", ErrInvalidOp, op.Index, len(parent.Children))
	}

	switch e.Kind {
	case KindDirectory:
		if op.Fork != nil {
			return Op{}, fmt.Errorf("%w: directory with fork", ErrInvalidOp)
		}
		e.Fork = ForkKey{}
		e.Children = []ID{}
		if err := m.checkCapacity(1, nil, ForkKey{}); err != nil {
			return Op{}, err
		}
	case KindFile:
		if op.Fork == nil {
			return Op{}, fmt.Errorf("%w: file without fork", ErrInvalidOp)
		}
		if err := op.Fork.Verify(); err != nil {
			return Op{}, err
		}
		e.Fork = op.Fork.Key
		e.Children = nil
		if err := m.checkCapacity(1, op.Fork, ForkKey{}); err != nil {
			return Op{}, err
		}
	default:
		return Op{}, fmt.Errorf("%w: cannot create %s", ErrInvalidOp, e.Kind)
	}

	e.Parent = op.Parent
	m.entities[e.ID] = e
	parent.Children = insertAt(parent.Children, op.Index, e.ID)
	if e.IsFile() {
		m.ref(op.Fork)
	}
	return DeleteOp(e.ID), nil
}

func (m *Model) applyDelete(op Op) (Op, error) {
	if op.ID == RootID {
		return Op{}, ErrRootImmutable
	}
	e, ok := m.entities[op.ID]
	if !ok {
		return Op{}, ErrNotFound
	}
	if len(e.Children) > 0 {
		return Op{}, ErrNotEmpty
	}
	parent := m.entities[e.Parent]
	index := parent.indexOf(e.ID)

	var fork *Fork
	if e.IsFile() {
		if fe, ok := m.forks[e.Fork]; ok {
			fork = fe.fork.clone()
		}
	}
	snapshot := e.clone()

	parent.Children = removeAt(parent.Children, index)
	delete(m.entities, e.ID)
	if e.IsFile() {
		m.unref(e.Fork)
	}
	return CreateOp(*snapshot, snapshot.Parent, index, fork), nil
}

func (m *Model) applyMove(op Op) (Op, error) {
	if op.ID == RootID {
		return Op{}, ErrRootImmutable
	}
	e, ok := m.entities[op.ID]
	if !ok {
		return Op{}, ErrNotFound
	}
	newParent, err := m.directory(op.Parent)
	if err != nil {
		return Op{}, err
	}
	if m.isAncestor(e.ID, op.Parent) {
		return Op{}, fmt.Errorf("%w: %d is an ancestor of %d", ErrCycleDetected, e.ID, op.Parent)
	}
	oldParent := m.entities[e.Parent]
	oldIndex := oldParent.indexOf(e.ID)

	limit := len(newParent.Children)
	if newParent == oldParent {
		limit--
	}
	if op.Index < 0 || op.Index > limit {
		return Op{}, fmt.Errorf("%w: index %d out of range [0,%d]", ErrInvalidOp, op.Index, limit)
	}

	oldParent.Children = removeAt(oldParent.Children, oldIndex)
	newParent.Children = insertAt(newParent.Children, op.Index, e.ID)
	e.Parent = op.Parent
	return MoveOp(e.ID, oldParent.ID, oldIndex), nil
}

func (m *Model) applyReplaceFork(op Op) (Op, error) {
	e, ok := m.entities[op.ID]
	if !ok {
		return Op{}, ErrNotFound
	}
	if !e.IsFile() {
		return Op{}, ErrNotFile
	}
	if op.Fork == nil {
		return Op{}, fmt.Errorf("%w: replace without fork", ErrInvalidOp)
	}
	if err := op.Fork.Verify(); err != nil {
		return Op{}, err
	}

	var old *Fork
	if fe, ok := m.forks[e.Fork]; ok {
		old = fe.fork.clone()
	}

	// Same key: the content is regenerated in place for every referrer.
	if op.Fork.Key == e.Fork && old != nil {
		if limit := m.Limits.MaxForkBytes; limit > 0 && m.ForkBytes()-old.Size+op.Fork.Size > limit {
			return Op{}, fmt.Errorf("%w: fork %s grows past limit %d", ErrCapacityExceeded, op.Fork.Key, limit)
		}
		m.forks[e.Fork].fork = op.Fork.clone()
		return ReplaceForkOp(e.ID, old), nil
	}

	if err := m.checkCapacity(0, op.Fork, e.Fork); err != nil {
		return Op{}, err
	}
	m.ref(op.Fork)
	m.unref(e.Fork)
	e.Fork = op.Fork.Key
	return ReplaceForkOp(e.ID, old), nil
}

func (m *Model) applyRename(op Op) (Op, error) {
	if op.ID == RootID {
		return Op{}, ErrRootImmutable
	}
	e, ok := m.entities[op.ID]
	if !ok {
		return Op{}, ErrNotFound
	}
	if op.Name == "" {
		return Op{}, fmt.Errorf("%w: empty name", ErrInvalidOp)
	}
	old := e.Name
	e.Name = op.Name
	return RenameOp(e.ID, old), nil
}

func insertAt(ids []ID, i int, id ID) []ID {
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeAt(ids []ID, i int) []ID {
	if i < 0 || i >= len(ids) {
		return ids
	}
	return append(ids[:i], ids[i+1:]...)
}

// Append creates e as the last child of parent. When e.ID is RootID the
// lowest free identifier is assigned. The entity keeps its Provisional mark.
func (m *Model) Append(e Entity, parent ID, fork *Fork) (ID, error) {
	if e.ID == RootID {
		id, err := m.NextID()
		if err != nil {
			return NoID, err
		}
		e.ID = id
	}
	p, err := m.directory(parent)
	if err != nil {
		return NoID, err
	}
	ent := e.clone()
	ent.Children = nil
	if fork != nil {
		ent.Fork = fork.Key
	}
	op := Op{Kind: OpCreate, ID: e.ID, Entity: ent, Parent: parent, Index: len(p.Children), Fork: fork}
	if _, err := m.Apply(op); err != nil {
		return NoID, err
	}
	return e.ID, nil
}
