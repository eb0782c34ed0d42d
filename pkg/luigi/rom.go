package luigi

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"

	"github.com/locutus/lfsync/pkg/lfs"
)

// Format identifies the layout of a source image.
type Format string

const (
	FormatLuigi Format = "luigi"
	FormatRom   Format = "rom"
	FormatBin   Format = "bin"
)

// romAutobaud is the first byte of an Intellivision .rom image.
const romAutobaud = 0xA8

var (
	luigiType = filetype.AddType("luigi", "application/x-luigi")
	romType   = filetype.AddType("rom", "application/x-intv-rom")
)

func init() {
	filetype.AddMatcher(luigiType, func(buf []byte) bool {
		return IsContainer(buf)
	})
	filetype.AddMatcher(romType, isRomImage)
}

func isRomImage(buf []byte) bool {
	return len(buf) >= 3 && buf[0] == romAutobaud && buf[1] != 0 && buf[2] == buf[1]^0xFF
}

// FormatDescriptor is what ReadHeader learns about a source image.
type FormatDescriptor struct {
	Format   Format
	Version  uint8
	Segments int
	Title    string

	// Flags are the feature levels inferred from the image and its
	// configuration, or read from the header of a LUIGI container.
	Flags FeatureFlags

	// Key is the content key of the source.
	Key lfs.ForkKey
}

// Metadata inspects source images.
type Metadata interface {
	Checksum(data []byte) uint32
	ReadHeader(rom, cfg []byte) (*FormatDescriptor, error)
}

// DefaultMetadata recognises LUIGI containers, .rom images and raw .bin
// images with an optional .cfg text.
type DefaultMetadata struct{}

// NewMetadata returns the default ROM metadata reader.
func NewMetadata() DefaultMetadata {
	return DefaultMetadata{}
}

// Checksum returns the CRC-32 (IEEE) of data.
func (DefaultMetadata) Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ReadHeader classifies rom and infers its feature flags.
func (m DefaultMetadata) ReadHeader(rom, cfg []byte) (*FormatDescriptor, error) {
	if len(rom) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedRomFormat)
	}

	kind, _ := filetype.Match(rom)
	switch {
	case kind == luigiType:
		c, err := Decode(rom)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedRomFormat, err)
		}
		return &FormatDescriptor{
			Format:  FormatLuigi,
			Version: c.Version,
			Title:   c.Title,
			Flags:   c.Flags,
			Key:     c.Key(),
		}, nil

	case kind == romType:
		vars, err := parseVars(cfg)
		if err != nil {
			return nil, err
		}
		return &FormatDescriptor{
			Format:   FormatRom,
			Segments: int(rom[1]),
			Title:    vars.title,
			Flags:    vars.flags,
			Key:      lfs.ForkKey{Rom: m.Checksum(rom), Config: m.Checksum(cfg)},
		}, nil

	case kind != types.Unknown:
		return nil, fmt.Errorf("%w: content looks like %s (%s)", ErrUnsupportedRomFormat, kind.Extension, kind.MIME.Value)

	case len(rom)%2 != 0:
		return nil, fmt.Errorf("%w: raw image of %d bytes is not a whole number of 16-bit words",
			ErrUnsupportedRomFormat, len(rom))
	}

	vars, err := parseVars(cfg)
	if err != nil {
		return nil, err
	}
	return &FormatDescriptor{
		Format: FormatBin,
		Title:  vars.title,
		Flags:  vars.flags,
		Key:    lfs.ForkKey{Rom: m.Checksum(rom), Config: m.Checksum(cfg)},
	}, nil
}

// KeyFor returns the content key of a source using the default metadata.
func KeyFor(rom, cfg []byte) (lfs.ForkKey, error) {
	d, err := NewMetadata().ReadHeader(rom, cfg)
	if err != nil {
		return lfs.ForkKey{}, err
	}
	return d.Key, nil
}

// Compatibility keys understood in the [vars] section of a .cfg file.
// Values: 0 incompatible, 1 tolerates, 2 enhances, 3 requires.
var cfgCompatKeys = map[string]Feature{
	"ecs_compat":   FeatureECS,
	"voice_compat": FeatureIntellivoice,
	"intv2_compat": FeatureIntellivision2,
	"kc_compat":    FeatureKeyboardComponent,
	"tv_compat":    FeatureTutorVision,
	"jlp":          FeatureJLP,
}

var cfgCompatValues = []Compat{Incompatible, Tolerates, Enhances, Requires}

type cfgVars struct {
	title string
	flags FeatureFlags
}

func parseVars(cfg []byte) (cfgVars, error) {
	var out cfgVars
	if len(cfg) == 0 {
		return out, nil
	}
	section := ""
	scanner := bufio.NewScanner(bytes.NewReader(cfg))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(text, ';'); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
			section = strings.ToLower(strings.TrimSpace(text[1 : len(text)-1]))
			continue
		}
		if section != "vars" {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return out, fmt.Errorf("%w: cfg line %d: expected key = value", ErrUnsupportedRomFormat, line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if key == "name" {
			out.title = value
			continue
		}
		f, known := cfgCompatKeys[key]
		if !known {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n >= len(cfgCompatValues) {
			return out, fmt.Errorf("%w: cfg line %d: %s must be 0-3, got %q", ErrUnsupportedRomFormat, line, key, value)
		}
		out.flags = out.flags.With(f, cfgCompatValues[n])
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("%w: reading cfg: %v", ErrUnsupportedRomFormat, err)
	}
	return out, nil
}
