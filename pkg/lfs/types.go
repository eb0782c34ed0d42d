package lfs

import (
	"fmt"
	"hash/crc32"
	"time"
)

// ID identifies an entity within one file system.
type ID uint16

const (
	// RootID is the identifier of the root directory.
	RootID ID = 0

	// NoID marks the absence of an entity (the root's parent).
	NoID ID = 0xFFFF

	// MaxID is the largest assignable identifier.
	MaxID ID = NoID - 1
)

// Kind is the tag of an entity.
type Kind string

const (
	// KindFork is a content blob referenced by files.
	KindFork Kind = "fork"

	// KindFile is a menu item backed by a fork.
	KindFile Kind = "file"

	// KindDirectory is a menu folder with ordered children.
	KindDirectory Kind = "directory"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindFork, KindFile, KindDirectory:
		return nil
	default:
		return fmt.Errorf("invalid entity kind: %s", k)
	}
}

// ForkKey is the content address of a fork: the checksums of the source ROM
// image and of its configuration text.
type ForkKey struct {
	Rom    uint32 `json:"rom"`
	Config uint32 `json:"config"`
}

// IsZero reports whether the key is unset.
func (k ForkKey) IsZero() bool {
	return k.Rom == 0 && k.Config == 0
}

func (k ForkKey) String() string {
	return fmt.Sprintf("%08x:%08x", k.Rom, k.Config)
}

// Less orders keys for deterministic listings.
func (k ForkKey) Less(o ForkKey) bool {
	if k.Rom != o.Rom {
		return k.Rom < o.Rom
	}
	return k.Config < o.Config
}

// Fork is an immutable content blob. Data and Config are only present on
// the side that holds the bytes; listings carry the descriptor alone.
type Fork struct {
	Key      ForkKey `json:"key"`
	Size     int64   `json:"size"`
	Checksum uint32  `json:"checksum"`
	Features uint64  `json:"features,omitempty"`
	Partial  bool    `json:"partial,omitempty"`

	Data   []byte `json:"-"`
	Config []byte `json:"-"`
}

// NewFork builds a fork over the given bytes, computing size and checksum.
func NewFork(key ForkKey, data, config []byte) *Fork {
	return &Fork{
		Key:      key,
		Size:     int64(len(data) + len(config)),
		Checksum: ChecksumOf(data, config),
		Data:     data,
		Config:   config,
	}
}

// ChecksumOf returns the CRC-32 of data followed by config.
func ChecksumOf(data, config []byte) uint32 {
	sum := crc32.ChecksumIEEE(data)
	if len(config) > 0 {
		sum = crc32.Update(sum, crc32.IEEETable, config)
	}
	return sum
}

// HasContent reports whether the fork carries its bytes.
func (f *Fork) HasContent() bool {
	return f.Data != nil
}

// Verify checks that the descriptor matches the carried bytes.
func (f *Fork) Verify() error {
	if f.Partial {
		return fmt.Errorf("fork %s: %w", f.Key, ErrPartialFork)
	}
	if !f.HasContent() {
		return nil
	}
	if n := int64(len(f.Data) + len(f.Config)); n != f.Size {
		return fmt.Errorf("fork %s: size %d does not match content length %d: %w",
			f.Key, f.Size, n, ErrChecksumMismatch)
	}
	if sum := ChecksumOf(f.Data, f.Config); sum != f.Checksum {
		return fmt.Errorf("fork %s: checksum %08x does not match content %08x: %w",
			f.Key, f.Checksum, sum, ErrChecksumMismatch)
	}
	return nil
}

// Descriptor returns a copy without content bytes.
func (f *Fork) Descriptor() *Fork {
	d := *f
	d.Data = nil
	d.Config = nil
	return &d
}

func (f *Fork) clone() *Fork {
	c := *f
	return &c
}

// Entity is a file or directory in the tree.
type Entity struct {
	ID          ID        `json:"id"`
	Kind        Kind      `json:"kind"`
	Parent      ID        `json:"parent"`
	Children    []ID      `json:"children,omitempty"`
	Fork        ForkKey   `json:"fork"`
	Name        string    `json:"name"`
	Modified    time.Time `json:"modified"`
	Provisional bool      `json:"provisional,omitempty"`
}

// IsDirectory reports whether the entity is a directory.
func (e *Entity) IsDirectory() bool {
	return e.Kind == KindDirectory
}

// IsFile reports whether the entity is a file.
func (e *Entity) IsFile() bool {
	return e.Kind == KindFile
}

func (e *Entity) clone() *Entity {
	c := *e
	if e.Children != nil {
		c.Children = append([]ID(nil), e.Children...)
	}
	return &c
}

func (e *Entity) indexOf(child ID) int {
	for i, id := range e.Children {
		if id == child {
			return i
		}
	}
	return -1
}

// Record is one element of the ordered entity list exchanged with a device.
// Fork records carry Fork; file and directory records carry Entity.
type Record struct {
	Kind   Kind    `json:"kind"`
	Entity *Entity `json:"entity,omitempty"`
	Fork   *Fork   `json:"fork,omitempty"`
}

// Limits are the capacity limits of a device. Zero means unlimited.
type Limits struct {
	MaxEntities  int   `json:"max_entities"`
	MaxForkBytes int64 `json:"max_fork_bytes"`
}

// Listing is a full tree as reported by a device.
type Listing struct {
	Records []Record `json:"records"`
	Limits  Limits   `json:"limits"`
}
