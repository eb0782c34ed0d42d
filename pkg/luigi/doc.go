// Package luigi converts Intellivision ROM images into LUIGI containers,
// the on-device format of the LTO Flash cartridge.
//
// A container is a 34-byte header (magic, version, feature flags, content
// checksums) followed by a block-structured payload carrying the ROM image,
// its configuration text and a title. Feature flags hold a two-bit
// compatibility level per peripheral; a transcode fails with
// ErrFeatureConflict when the flags cannot be met by the target device.
//
// Transcoder supports four generation modes:
//
//   - standard: reuse a cached container, else infer flags from metadata
//   - feature_update: take the flags from the device request
//   - reset: ignore cached flags and infer them again
//   - passthrough: hand LUIGI sources back byte for byte
//
// Containers are cached by content key in a Cache: an LRU in front of an
// optional persistent Backing.
package luigi
