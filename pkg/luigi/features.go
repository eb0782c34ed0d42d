package luigi

import (
	"fmt"
	"sort"
	"strings"
)

// Feature is a peripheral or console capability a ROM can depend on.
type Feature uint8

const (
	FeatureECS Feature = iota
	FeatureIntellivoice
	FeatureIntellivision2
	FeatureKeyboardComponent
	FeatureTutorVision
	FeatureJLP
)

// Features lists every known feature in bit order.
var Features = []Feature{
	FeatureECS,
	FeatureIntellivoice,
	FeatureIntellivision2,
	FeatureKeyboardComponent,
	FeatureTutorVision,
	FeatureJLP,
}

var featureNames = map[Feature]string{
	FeatureECS:               "ecs",
	FeatureIntellivoice:      "voice",
	FeatureIntellivision2:    "intv2",
	FeatureKeyboardComponent: "kc",
	FeatureTutorVision:       "tv",
	FeatureJLP:               "jlp",
}

func (f Feature) String() string {
	if n, ok := featureNames[f]; ok {
		return n
	}
	return fmt.Sprintf("feature(%d)", uint8(f))
}

// ParseFeature parses a feature name such as "ecs" or "voice".
func ParseFeature(s string) (Feature, error) {
	for f, n := range featureNames {
		if strings.EqualFold(s, n) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown feature: %q", s)
}

// Compat is the compatibility level a ROM declares for a feature.
type Compat uint8

const (
	Tolerates    Compat = 0
	Enhances     Compat = 1
	Requires     Compat = 2
	Incompatible Compat = 3
)

func (c Compat) String() string {
	switch c {
	case Tolerates:
		return "tolerates"
	case Enhances:
		return "enhances"
	case Requires:
		return "requires"
	case Incompatible:
		return "incompatible"
	default:
		return fmt.Sprintf("compat(%d)", uint8(c))
	}
}

// ParseCompat parses a compatibility level name.
func ParseCompat(s string) (Compat, error) {
	for _, c := range []Compat{Tolerates, Enhances, Requires, Incompatible} {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown compatibility level: %q", s)
}

// FeatureFlags packs a 2-bit Compat level per feature.
type FeatureFlags uint64

// Level returns the level declared for f.
func (ff FeatureFlags) Level(f Feature) Compat {
	return Compat((ff >> (2 * uint(f))) & 0x3)
}

// With returns ff with f set to c.
func (ff FeatureFlags) With(f Feature, c Compat) FeatureFlags {
	shift := 2 * uint(f)
	return ff&^(0x3<<shift) | FeatureFlags(c&0x3)<<shift
}

func (ff FeatureFlags) String() string {
	var parts []string
	for _, f := range Features {
		if c := ff.Level(f); c != Tolerates {
			parts = append(parts, f.String()+"="+c.String())
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseFeatureFlags parses "ecs=requires,voice=enhances".
func ParseFeatureFlags(s string) (FeatureFlags, error) {
	var ff FeatureFlags
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return ff, nil
	}
	for _, part := range strings.Split(s, ",") {
		name, level, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, fmt.Errorf("feature flag %q: expected name=level", part)
		}
		f, err := ParseFeature(name)
		if err != nil {
			return 0, err
		}
		c, err := ParseCompat(level)
		if err != nil {
			return 0, err
		}
		ff = ff.With(f, c)
	}
	return ff, nil
}

// Capability is the set of features a device provides.
type Capability uint32

// AllCapabilities has every known feature.
const AllCapabilities Capability = 1<<6 - 1

// Has reports whether f is available.
func (c Capability) Has(f Feature) bool {
	return c&(1<<uint(f)) != 0
}

// With returns c with f added.
func (c Capability) With(f Feature) Capability {
	return c | 1<<uint(f)
}

// Names returns the feature names in c, sorted.
func (c Capability) Names() []string {
	var out []string
	for _, f := range Features {
		if c.Has(f) {
			out = append(out, f.String())
		}
	}
	sort.Strings(out)
	return out
}

// ParseCapabilities builds a capability set from feature names.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, n := range names {
		f, err := ParseFeature(n)
		if err != nil {
			return 0, err
		}
		c = c.With(f)
	}
	return c, nil
}

// DeviceFeatures describes a target device for transcoding.
type DeviceFeatures struct {
	// Capabilities are the features the device provides.
	Capabilities Capability

	// Flags is the explicit feature-flag set used by feature_update.
	Flags FeatureFlags
}

// Conflicts returns the features whose level in ff cannot be satisfied on a
// device with capabilities c.
func (ff FeatureFlags) Conflicts(c Capability) []Feature {
	var out []Feature
	for _, f := range Features {
		switch ff.Level(f) {
		case Requires:
			if !c.Has(f) {
				out = append(out, f)
			}
		case Incompatible:
			if c.Has(f) {
				out = append(out, f)
			}
		}
	}
	return out
}

func checkConflicts(ff FeatureFlags, c Capability) error {
	bad := ff.Conflicts(c)
	if len(bad) == 0 {
		return nil
	}
	names := make([]string, len(bad))
	for i, f := range bad {
		names[i] = fmt.Sprintf("%s=%s", f, ff.Level(f))
	}
	return fmt.Errorf("%w: %s not satisfiable with capabilities %v",
		ErrFeatureConflict, strings.Join(names, ","), c.Names())
}
