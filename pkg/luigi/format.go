package luigi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/locutus/lfsync/pkg/lfs"
)

// Container layout, little-endian:
//
//	0  "LTO"
//	3  version        u8
//	4  header length  u16
//	6  feature flags  u64
//	14 ROM CRC-32     u32
//	18 config CRC-32  u32
//	22 payload CRC-32 u32
//	26 payload length u32
//	30 header CRC-32  u32 (over bytes 0..29)
//	34 payload: blocks of type u8 | length u32 | bytes
const (
	Magic         = "LTO"
	FormatVersion = 1
	HeaderSize    = 34
)

// Payload block types.
const (
	blockRom    byte = 1
	blockConfig byte = 2
	blockTitle  byte = 3
)

// Header is the fixed-size LUIGI header.
type Header struct {
	Version    uint8
	Flags      FeatureFlags
	RomCRC     uint32
	ConfigCRC  uint32
	PayloadCRC uint32
	PayloadLen uint32
}

// Key returns the content key recorded in the header.
func (h Header) Key() lfs.ForkKey {
	return lfs.ForkKey{Rom: h.RomCRC, Config: h.ConfigCRC}
}

// Container is a decoded LUIGI file.
type Container struct {
	Header
	Rom    []byte
	Config []byte
	Title  string
}

// IsContainer reports whether data starts with the LUIGI magic.
func IsContainer(data []byte) bool {
	return len(data) >= len(Magic) && string(data[:len(Magic)]) == Magic
}

func (h Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, Magic)
	buf[3] = h.Version
	binary.LittleEndian.PutUint16(buf[4:], HeaderSize)
	binary.LittleEndian.PutUint64(buf[6:], uint64(h.Flags))
	binary.LittleEndian.PutUint32(buf[14:], h.RomCRC)
	binary.LittleEndian.PutUint32(buf[18:], h.ConfigCRC)
	binary.LittleEndian.PutUint32(buf[22:], h.PayloadCRC)
	binary.LittleEndian.PutUint32(buf[26:], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[30:], crc32.ChecksumIEEE(buf[:30]))
	return buf
}

// DecodeHeader parses and validates the header of a LUIGI file.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if !IsContainer(data) {
		return h, fmt.Errorf("%w: bad magic", ErrCorruptContainer)
	}
	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptContainer, len(data))
	}
	h.Version = data[3]
	if h.Version != FormatVersion {
		return h, fmt.Errorf("%w: version %d", ErrCorruptContainer, h.Version)
	}
	if n := binary.LittleEndian.Uint16(data[4:]); n != HeaderSize {
		return h, fmt.Errorf("%w: header length %d", ErrCorruptContainer, n)
	}
	if want, got := binary.LittleEndian.Uint32(data[30:]), crc32.ChecksumIEEE(data[:30]); want != got {
		return h, fmt.Errorf("%w: header checksum %08x, computed %08x", ErrCorruptContainer, want, got)
	}
	h.Flags = FeatureFlags(binary.LittleEndian.Uint64(data[6:]))
	h.RomCRC = binary.LittleEndian.Uint32(data[14:])
	h.ConfigCRC = binary.LittleEndian.Uint32(data[18:])
	h.PayloadCRC = binary.LittleEndian.Uint32(data[22:])
	h.PayloadLen = binary.LittleEndian.Uint32(data[26:])
	if int64(h.PayloadLen) > int64(len(data)-HeaderSize) {
		return h, fmt.Errorf("%w: payload length %d exceeds %d available bytes",
			ErrCorruptContainer, h.PayloadLen, len(data)-HeaderSize)
	}
	return h, nil
}

// Decode parses a complete LUIGI file, verifying both checksums.
func Decode(data []byte) (*Container, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	payload := data[HeaderSize : HeaderSize+int(h.PayloadLen)]
	if sum := crc32.ChecksumIEEE(payload); sum != h.PayloadCRC {
		return nil, fmt.Errorf("%w: payload checksum %08x, computed %08x", ErrCorruptContainer, h.PayloadCRC, sum)
	}

	c := &Container{Header: h}
	for off := 0; off < len(payload); {
		if len(payload)-off < 5 {
			return nil, fmt.Errorf("%w: truncated block at offset %d", ErrCorruptContainer, off)
		}
		typ := payload[off]
		n := int(binary.LittleEndian.Uint32(payload[off+1:]))
		off += 5
		if n > len(payload)-off {
			return nil, fmt.Errorf("%w: block %d overruns payload", ErrCorruptContainer, typ)
		}
		body := payload[off : off+n]
		off += n
		switch typ {
		case blockRom:
			c.Rom = body
		case blockConfig:
			c.Config = body
		case blockTitle:
			c.Title = string(body)
		}
	}
	if c.Rom == nil {
		return nil, fmt.Errorf("%w: no ROM block", ErrCorruptContainer)
	}
	return c, nil
}

// Encode serialises a container. The output depends only on the ROM,
// configuration, title and flags.
func Encode(rom, cfg []byte, title string, flags FeatureFlags) []byte {
	var payload bytes.Buffer
	writeBlock(&payload, blockRom, rom)
	if len(cfg) > 0 {
		writeBlock(&payload, blockConfig, cfg)
	}
	if title != "" {
		writeBlock(&payload, blockTitle, []byte(title))
	}

	h := Header{
		Version:    FormatVersion,
		Flags:      flags,
		RomCRC:     crc32.ChecksumIEEE(rom),
		ConfigCRC:  crc32.ChecksumIEEE(cfg),
		PayloadCRC: crc32.ChecksumIEEE(payload.Bytes()),
		PayloadLen: uint32(payload.Len()),
	}
	out := make([]byte, 0, HeaderSize+payload.Len())
	out = append(out, h.marshal()...)
	return append(out, payload.Bytes()...)
}

// Rewrite returns a copy of a container with new feature flags. The payload
// is carried over untouched.
func Rewrite(data []byte, flags FeatureFlags) ([]byte, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	h.Flags = flags
	out := make([]byte, 0, HeaderSize+int(h.PayloadLen))
	out = append(out, h.marshal()...)
	return append(out, data[HeaderSize:HeaderSize+int(h.PayloadLen)]...), nil
}

func writeBlock(buf *bytes.Buffer, typ byte, body []byte) {
	var hdr [5]byte
	hdr[0] = typ
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(body)))
	buf.Write(hdr[:])
	buf.Write(body)
}
