// Package diag classifies error codes reported by the LTO Flash firmware.
package diag

import (
	"fmt"
	"strings"
)

// Origin is the firmware subsystem that raised an error.
type Origin string

const (
	OriginFtl     Origin = "ftl"
	OriginLfs     Origin = "lfs"
	OriginSpi     Origin = "spi"
	OriginLuigi   Origin = "luigi"
	OriginUnknown Origin = "unknown"
)

// Origins lists the known origins.
var Origins = []Origin{OriginFtl, OriginLfs, OriginSpi, OriginLuigi}

// Validate checks if the origin is one of the known subsystems.
func (o Origin) Validate() error {
	switch o {
	case OriginFtl, OriginLfs, OriginSpi, OriginLuigi, OriginUnknown:
		return nil
	default:
		return fmt.Errorf("invalid error origin: %s", o)
	}
}

// ParseOrigin maps a name to an Origin; anything unrecognised is
// OriginUnknown.
func ParseOrigin(s string) Origin {
	o := Origin(strings.ToLower(strings.TrimSpace(s)))
	if o.Validate() != nil {
		return OriginUnknown
	}
	return o
}

// Severity ranks a descriptor for reporting.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Descriptor describes one classified error code.
type Descriptor struct {
	Origin      Origin   `json:"origin"`
	Code        uint16   `json:"code"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`

	// Transient errors may clear on retry of the same op.
	Transient bool `json:"transient"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%#04x %s: %s", d.Origin, d.Code, d.Name, d.Description)
}

var tables = map[Origin]map[uint16]Descriptor{
	OriginFtl: {
		0x01: {Name: "bad_block", Description: "flash block marked bad", Severity: SeverityError},
		0x02: {Name: "erase_failed", Description: "flash erase did not complete", Severity: SeverityError},
		0x03: {Name: "program_failed", Description: "flash program did not verify", Severity: SeverityError},
		0x04: {Name: "journal_corrupt", Description: "flash translation journal is corrupt", Severity: SeverityFatal},
		0x05: {Name: "out_of_space", Description: "no free flash blocks", Severity: SeverityError},
		0x06: {Name: "busy", Description: "flash translation layer busy", Severity: SeverityWarning, Transient: true},
	},
	OriginLfs: {
		0x01: {Name: "file_table_full", Description: "file table has no free entries", Severity: SeverityError},
		0x02: {Name: "fork_table_full", Description: "fork table has no free entries", Severity: SeverityError},
		0x03: {Name: "directory_full", Description: "directory cannot hold more entries", Severity: SeverityError},
		0x04: {Name: "invalid_entity", Description: "entity identifier is not in use", Severity: SeverityError},
		0x05: {Name: "entity_in_use", Description: "entity identifier is already in use", Severity: SeverityError},
		0x06: {Name: "checksum_mismatch", Description: "fork content does not match its checksum", Severity: SeverityError},
		0x07: {Name: "directory_not_empty", Description: "directory still has children", Severity: SeverityError},
	},
	OriginSpi: {
		0x01: {Name: "timeout", Description: "SPI transfer timed out", Severity: SeverityWarning, Transient: true},
		0x02: {Name: "not_responding", Description: "flash chip did not respond", Severity: SeverityError, Transient: true},
		0x03: {Name: "write_protected", Description: "flash chip is write protected", Severity: SeverityFatal},
	},
	OriginLuigi: {
		0x01: {Name: "bad_magic", Description: "fork is not a LUIGI container", Severity: SeverityError},
		0x02: {Name: "unsupported_version", Description: "LUIGI version not supported by firmware", Severity: SeverityError},
		0x03: {Name: "header_crc", Description: "LUIGI header checksum mismatch", Severity: SeverityError},
		0x04: {Name: "feature_unsupported", Description: "LUIGI feature flags not supported by hardware", Severity: SeverityError},
	},
}

// Classify maps an origin and code to a descriptor. An unknown code within
// a known origin yields a generic fault for that origin; an unknown origin
// yields OriginUnknown.
func Classify(origin Origin, code uint16) Descriptor {
	table, ok := tables[origin]
	if !ok {
		return Descriptor{
			Origin:      OriginUnknown,
			Code:        code,
			Name:        "unknown_fault",
			Description: fmt.Sprintf("unrecognised error %#04x from origin %q", code, origin),
			Severity:    SeverityError,
		}
	}
	if d, ok := table[code]; ok {
		d.Origin = origin
		d.Code = code
		return d
	}
	return Descriptor{
		Origin:      origin,
		Code:        code,
		Name:        string(origin) + "_fault",
		Description: fmt.Sprintf("unrecognised %s error %#04x", origin, code),
		Severity:    SeverityError,
	}
}

// Known returns every descriptor in the tables, ordered by origin and code.
func Known() []Descriptor {
	var out []Descriptor
	for _, o := range Origins {
		for code := uint16(0); code <= 0xFF; code++ {
			if _, ok := tables[o][code]; ok {
				out = append(out, Classify(o, code))
			}
		}
	}
	return out
}

// DeviceFault is the error a transport returns when the device reports a
// failure.
type DeviceFault struct {
	Origin  Origin
	Code    uint16
	Message string
}

func (f *DeviceFault) Error() string {
	d := f.Descriptor()
	if f.Message != "" {
		return fmt.Sprintf("device fault %s/%s (%#04x): %s", d.Origin, d.Name, f.Code, f.Message)
	}
	return fmt.Sprintf("device fault %s/%s (%#04x): %s", d.Origin, d.Name, f.Code, d.Description)
}

// Descriptor classifies the fault.
func (f *DeviceFault) Descriptor() Descriptor {
	return Classify(f.Origin, f.Code)
}
