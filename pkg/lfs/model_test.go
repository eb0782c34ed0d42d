package lfs

import (
	"errors"
	"hash/crc32"
	"testing"
)

func testFork(name string) *Fork {
	data := []byte("rom:" + name)
	return NewFork(ForkKey{Rom: crc32.ChecksumIEEE(data), Config: 0x1}, data, nil)
}

func mustAppend(t *testing.T, m *Model, e Entity, parent ID, fork *Fork) ID {
	t.Helper()
	id, err := m.Append(e, parent, fork)
	if err != nil {
		t.Fatalf("Append(%+v) error = %v", e, err)
	}
	return id
}

// sampleTree builds /Games/{Astrosmash,Utopia} and /Demos.
func sampleTree(t *testing.T) *Model {
	t.Helper()
	m := New()
	games := mustAppend(t, m, Entity{ID: 1, Kind: KindDirectory, Name: "Games"}, RootID, nil)
	mustAppend(t, m, Entity{ID: 2, Kind: KindFile, Name: "Astrosmash"}, games, testFork("astro"))
	mustAppend(t, m, Entity{ID: 3, Kind: KindFile, Name: "Utopia"}, games, testFork("utopia"))
	mustAppend(t, m, Entity{ID: 4, Kind: KindDirectory, Name: "Demos"}, RootID, nil)
	return m
}

func TestNew(t *testing.T) {
	m := New()
	root, ok := m.Entity(RootID)
	if !ok {
		t.Fatal("root missing")
	}
	if !root.IsDirectory() {
		t.Errorf("root kind = %s, want directory", root.Kind)
	}
	if root.Parent != NoID {
		t.Errorf("root parent = %d, want NoID", root.Parent)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestApply_UndoRestoresTree(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{"create file", CreateOp(Entity{ID: 9, Kind: KindFile, Name: "Snafu"}, 4, 0, testFork("snafu"))},
		{"create dir", CreateOp(Entity{ID: 9, Kind: KindDirectory, Name: "Sports"}, RootID, 1, nil)},
		{"delete file", DeleteOp(3)},
		{"delete empty dir", DeleteOp(4)},
		{"move across", MoveOp(2, 4, 0)},
		{"reorder", MoveOp(3, 1, 0)},
		{"move dir", MoveOp(4, 1, 2)},
		{"replace fork", ReplaceForkOp(2, testFork("astro-v2"))},
		{"rename", RenameOp(1, "Arcade")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleTree(t)
			before := m.Clone()

			inverse, err := m.Apply(tt.op)
			if err != nil {
				t.Fatalf("Apply(%s) error = %v", tt.op, err)
			}
			if diffs := Equivalent(m, before); len(diffs) == 0 {
				t.Fatalf("Apply(%s) did not change the tree", tt.op)
			}
			if _, err := m.Apply(inverse); err != nil {
				t.Fatalf("Apply(inverse %s) error = %v", inverse, err)
			}
			if diffs := Equivalent(m, before); len(diffs) > 0 {
				t.Errorf("undo left differences: %v", diffs)
			}
			if m.ForkBytes() != before.ForkBytes() || len(m.Forks()) != len(before.Forks()) {
				t.Errorf("fork table after undo = %d forks/%d bytes, want %d/%d",
					len(m.Forks()), m.ForkBytes(), len(before.Forks()), before.ForkBytes())
			}
		})
	}
}

func TestApply_RejectsWithoutChange(t *testing.T) {
	bad := testFork("bad")
	bad.Checksum++

	tests := []struct {
		name    string
		op      Op
		wantErr error
	}{
		{"cycle", MoveOp(1, 1, 0), ErrCycleDetected},
		{"duplicate id", CreateOp(Entity{ID: 2, Kind: KindDirectory, Name: "X"}, RootID, 0, nil), ErrExists},
		{"missing parent", CreateOp(Entity{ID: 9, Kind: KindDirectory, Name: "X"}, 42, 0, nil), ErrNotFound},
		{"parent is file", CreateOp(Entity{ID: 9, Kind: KindDirectory, Name: "X"}, 2, 0, nil), ErrNotDirectory},
		{"file without fork", CreateOp(Entity{ID: 9, Kind: KindFile, Name: "X"}, RootID, 0, nil), ErrInvalidOp},
		{"bad checksum", CreateOp(Entity{ID: 9, Kind: KindFile, Name: "X"}, RootID, 0, bad), ErrChecksumMismatch},
		{"index out of range", CreateOp(Entity{ID: 9, Kind: KindDirectory, Name: "X"}, RootID, 7, nil), ErrInvalidOp},
		{"delete non-empty", DeleteOp(1), ErrNotEmpty},
		{"delete root", DeleteOp(RootID), ErrRootImmutable},
		{"replace on dir", ReplaceForkOp(1, testFork("x")), ErrNotFile},
		{"rename missing", RenameOp(99, "x"), ErrNotFound},
		{"unknown kind", Op{Kind: "truncate", ID: 2}, ErrInvalidOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleTree(t)
			before := m.Clone()

			_, err := m.Apply(tt.op)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Apply(%s) error = %v, want %v", tt.op, err, tt.wantErr)
			}
			var opErr *OpError
			if !errors.As(err, &opErr) {
				t.Errorf("error %T is not an *OpError", err)
			}
			if diffs := Equivalent(m, before); len(diffs) > 0 {
				t.Errorf("rejected op changed the tree: %v", diffs)
			}
		})
	}
}

func TestApply_CycleDetectedDeep(t *testing.T) {
	m := New()
	a := mustAppend(t, m, Entity{Kind: KindDirectory, Name: "a"}, RootID, nil)
	b := mustAppend(t, m, Entity{Kind: KindDirectory, Name: "b"}, a, nil)
	c := mustAppend(t, m, Entity{Kind: KindDirectory, Name: "c"}, b, nil)

	if _, err := m.Apply(MoveOp(a, c, 0)); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("move a under its grandchild: error = %v, want ErrCycleDetected", err)
	}
	if _, err := m.Apply(MoveOp(c, RootID, 0)); err != nil {
		t.Fatalf("move c to root: %v", err)
	}
	if _, err := m.Apply(MoveOp(a, c, 0)); err != nil {
		t.Errorf("move a under detached c: %v", err)
	}
}

func TestApply_Capacity(t *testing.T) {
	m := New()
	m.Limits = Limits{MaxEntities: 2}
	mustAppend(t, m, Entity{ID: 1, Kind: KindDirectory, Name: "a"}, RootID, nil)
	mustAppend(t, m, Entity{ID: 2, Kind: KindDirectory, Name: "b"}, RootID, nil)

	_, err := m.Apply(CreateOp(Entity{ID: 3, Kind: KindDirectory, Name: "c"}, RootID, 0, nil))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("third entity error = %v, want ErrCapacityExceeded", err)
	}

	small := testFork("one")
	m = New()
	m.Limits = Limits{MaxForkBytes: small.Size}
	mustAppend(t, m, Entity{ID: 1, Kind: KindFile, Name: "one"}, RootID, small)
	// Sharing an existing fork costs nothing.
	mustAppend(t, m, Entity{ID: 2, Kind: KindFile, Name: "one again"}, RootID, small)
	_, err = m.Apply(CreateOp(Entity{ID: 3, Kind: KindFile, Name: "two"}, RootID, 0, testFork("two")))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("second fork error = %v, want ErrCapacityExceeded", err)
	}
}

func TestForkGarbageCollection(t *testing.T) {
	m := New()
	f := testFork("shared")
	mustAppend(t, m, Entity{ID: 1, Kind: KindFile, Name: "a"}, RootID, f)
	mustAppend(t, m, Entity{ID: 2, Kind: KindFile, Name: "b"}, RootID, f)

	if got := len(m.Forks()); got != 1 {
		t.Fatalf("forks = %d, want 1", got)
	}
	if _, err := m.Apply(DeleteOp(1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Fork(f.Key); !ok {
		t.Fatal("fork dropped while still referenced")
	}
	if _, err := m.Apply(ReplaceForkOp(2, testFork("other"))); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Fork(f.Key); ok {
		t.Error("unreferenced fork still in table")
	}
}

func TestPath(t *testing.T) {
	m := sampleTree(t)
	if got := m.Path(3); got != "/Games/Utopia" {
		t.Errorf("Path(3) = %q", got)
	}
	if got := m.Path(RootID); got != "/" {
		t.Errorf("Path(root) = %q", got)
	}
}

func TestFromListing(t *testing.T) {
	src := sampleTree(t)

	t.Run("round trip", func(t *testing.T) {
		m, discarded, err := FromListing(src.Listing(), true)
		if err != nil {
			t.Fatalf("FromListing() error = %v", err)
		}
		if len(discarded) != 0 {
			t.Errorf("discarded = %v", discarded)
		}
		if diffs := Equivalent(m, src); len(diffs) > 0 {
			t.Errorf("differences: %v", diffs)
		}
	})

	orphaned := func() *Listing {
		l := src.Listing()
		l.Records = append(l.Records,
			Record{Kind: KindDirectory, Entity: &Entity{ID: 40, Kind: KindDirectory, Parent: 77, Name: "lost", Children: []ID{41}}},
			Record{Kind: KindFile, Entity: &Entity{ID: 41, Kind: KindFile, Parent: 40, Name: "lost file", Fork: testFork("astro").Key}},
		)
		return l
	}

	t.Run("strict rejects orphans", func(t *testing.T) {
		if _, _, err := FromListing(orphaned(), true); !errors.Is(err, ErrInconsistentTree) {
			t.Errorf("error = %v, want ErrInconsistentTree", err)
		}
	})

	t.Run("lenient discards orphans deepest first", func(t *testing.T) {
		m, discarded, err := FromListing(orphaned(), false)
		if err != nil {
			t.Fatalf("FromListing() error = %v", err)
		}
		if len(discarded) != 2 || discarded[0].Entity.ID != 41 || discarded[1].Entity.ID != 40 {
			t.Errorf("discarded = %+v, want [41 40]", discarded)
		}
		if diffs := Equivalent(m, src); len(diffs) > 0 {
			t.Errorf("differences: %v", diffs)
		}
	})

	t.Run("lenient drops partial forks", func(t *testing.T) {
		l := src.Listing()
		for i := range l.Records {
			if l.Records[i].Kind == KindFork && l.Records[i].Fork.Key == testFork("utopia").Key {
				f := *l.Records[i].Fork
				f.Partial = true
				l.Records[i].Fork = &f
			}
		}
		if _, _, err := FromListing(l, true); !errors.Is(err, ErrInconsistentTree) {
			t.Errorf("strict error = %v, want ErrInconsistentTree", err)
		}
		m, _, err := FromListing(l, false)
		if err != nil {
			t.Fatal(err)
		}
		e, _ := m.Entity(3)
		if !e.Fork.IsZero() {
			t.Errorf("file on partial fork kept key %s", e.Fork)
		}
	})
}
