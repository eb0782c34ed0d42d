// Package lfs models the Locutus File System menu tree.
//
// # Overview
//
// A Model is an arena of entities keyed by a 16-bit identifier. Directories
// own an ordered list of children, files reference an immutable fork by its
// content key, and forks live in a reference-counted table that drops a fork
// once no file points at it.
//
// The same type represents both the host-desired tree (edited by the user)
// and a per-session snapshot of the device's tree (fetched over a transport).
//
// # Editing
//
// Every change goes through Model.Apply, which validates the op against the
// current tree, commits it atomically and returns the op that undoes it:
//
//	inverse, err := model.Apply(lfs.MoveOp(id, newParent, 0))
//	if err != nil {
//	    return err // model unchanged
//	}
//	_, _ = model.Apply(inverse) // back where we started
//
// Structural checks (cycles, capacity, checksum) are local and never reach a
// device.
//
// # Diffing
//
// desired.DiffAgainst(actual) returns the minimal Script that turns actual
// into desired. Entities are matched by identifier; provisional entities
// that have never been on a device are matched by name and content key and
// the resulting identifier bindings are reported with the script.
//
// # Dirty flags
//
// DirtyFlags is the 32-bit word persisted on the device. Bit 31 marks an
// update in progress; bits 0-30 are reserved and always written back as read.
package lfs
