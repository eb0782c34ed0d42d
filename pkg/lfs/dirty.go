package lfs

import (
	"encoding/binary"
	"fmt"
)

// DirtyFlags is the 32-bit status word persisted on the device.
type DirtyFlags uint32

const (
	// DirtyFlagsNone has no bits set.
	DirtyFlagsNone DirtyFlags = 0

	// FileSystemUpdateInProgress is set while a host is mutating the tree.
	FileSystemUpdateInProgress DirtyFlags = 1 << 31

	reservedMask = uint32(FileSystemUpdateInProgress) - 1
)

// UpdateInProgress reports whether bit 31 is set.
func (f DirtyFlags) UpdateInProgress() bool {
	return f&FileSystemUpdateInProgress != 0
}

// WithUpdateInProgress returns f with bit 31 set or cleared. Reserved bits
// are carried over unchanged.
func (f DirtyFlags) WithUpdateInProgress(on bool) DirtyFlags {
	if on {
		return f | FileSystemUpdateInProgress
	}
	return f &^ FileSystemUpdateInProgress
}

// Reserved returns bits 0-30.
func (f DirtyFlags) Reserved() uint32 {
	return uint32(f) & reservedMask
}

func (f DirtyFlags) String() string {
	if f.UpdateInProgress() {
		return fmt.Sprintf("update-in-progress|reserved=%#08x", f.Reserved())
	}
	return fmt.Sprintf("clean|reserved=%#08x", f.Reserved())
}

// MarshalBinary encodes the flags as a little-endian 32-bit word.
func (f DirtyFlags) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(f))
	return buf, nil
}

// UnmarshalBinary decodes a little-endian 32-bit word.
func (f *DirtyFlags) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("dirty flags: expected 4 bytes, got %d", len(data))
	}
	*f = DirtyFlags(binary.LittleEndian.Uint32(data))
	return nil
}
