package lfs

import (
	"fmt"
	"slices"
)

// Equivalent compares two trees by identifiers, kinds, names, parents, child
// order and fork keys. It returns one line per difference; an empty result
// means the trees are isomorphic.
func Equivalent(a, b *Model) []string {
	var diffs []string
	for _, id := range a.IDs() {
		ea := a.entities[id]
		eb, ok := b.entities[id]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("%d %q: only in first tree", id, ea.Name))
			continue
		}
		if ea.Kind != eb.Kind {
			diffs = append(diffs, fmt.Sprintf("%d: kind %s != %s", id, ea.Kind, eb.Kind))
			continue
		}
		if id != RootID && ea.Name != eb.Name {
			diffs = append(diffs, fmt.Sprintf("%d: name %q != %q", id, ea.Name, eb.Name))
		}
		if ea.Parent != eb.Parent {
			diffs = append(diffs, fmt.Sprintf("%d: parent %d != %d", id, ea.Parent, eb.Parent))
		}
		if ea.IsDirectory() && !slices.Equal(ea.Children, eb.Children) {
			diffs = append(diffs, fmt.Sprintf("%d: children %v != %v", id, ea.Children, eb.Children))
		}
		if ea.IsFile() && ea.Fork != eb.Fork {
			diffs = append(diffs, fmt.Sprintf("%d: fork %s != %s", id, ea.Fork, eb.Fork))
		}
	}
	for _, id := range b.IDs() {
		if _, ok := a.entities[id]; !ok {
			diffs = append(diffs, fmt.Sprintf("%d %q: only in second tree", id, b.entities[id].Name))
		}
	}
	return diffs
}
