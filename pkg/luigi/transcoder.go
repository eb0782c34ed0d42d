package luigi

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/locutus/lfsync/pkg/lfs"
)

// GenerationMode selects how a container is produced.
type GenerationMode string

const (
	// ModeStandard reuses a cached container when one exists; otherwise
	// flags are inferred from ROM metadata.
	ModeStandard GenerationMode = "standard"

	// ModeFeatureUpdate assigns the device feature flags explicitly.
	ModeFeatureUpdate GenerationMode = "feature_update"

	// ModeReset discards cached flags and re-infers them.
	ModeReset GenerationMode = "reset"

	// ModePassthrough forwards LUIGI sources unchanged.
	ModePassthrough GenerationMode = "passthrough"
)

// Validate checks if the mode is valid.
func (m GenerationMode) Validate() error {
	switch m {
	case ModeStandard, ModeFeatureUpdate, ModeReset, ModePassthrough:
		return nil
	default:
		return fmt.Errorf("invalid generation mode: %s", m)
	}
}

// Request is a single transcode job.
type Request struct {
	Name     string
	Rom      []byte
	Config   []byte
	Mode     GenerationMode
	Features DeviceFeatures
}

// Result is the outcome of a transcode.
type Result struct {
	Container   []byte
	Flags       FeatureFlags
	Key         lfs.ForkKey
	Source      Format
	CacheHit    bool
	Passthrough bool
}

// Fork returns the container as fork content.
func (r *Result) Fork() *lfs.Fork {
	f := lfs.NewFork(r.Key, r.Container, nil)
	f.Features = uint64(r.Flags)
	return f
}

// ContainerCache is the cache used by the transcoder.
type ContainerCache interface {
	Get(ctx context.Context, key lfs.ForkKey) (*Entry, bool)
	Put(ctx context.Context, e *Entry) error
}

// Transcoder converts ROM images into LUIGI containers. It is safe for
// concurrent use.
type Transcoder struct {
	meta   Metadata
	cache  ContainerCache
	logger zerolog.Logger
}

// NewTranscoder creates a transcoder. A nil meta uses DefaultMetadata; a nil
// cache disables caching.
func NewTranscoder(meta Metadata, cache ContainerCache, logger zerolog.Logger) *Transcoder {
	if meta == nil {
		meta = NewMetadata()
	}
	return &Transcoder{
		meta:   meta,
		cache:  cache,
		logger: logger.With().Str("component", "luigi").Logger(),
	}
}

// Transcode produces a LUIGI container for req. Errors are scoped to this
// one source and wrap ErrUnsupportedRomFormat or ErrFeatureConflict.
func (t *Transcoder) Transcode(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Mode.Validate(); err != nil {
		return nil, err
	}

	desc, err := t.meta.ReadHeader(req.Rom, req.Config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Name, err)
	}

	rom, cfg, title := req.Rom, req.Config, desc.Title
	if desc.Format == FormatLuigi {
		if req.Mode == ModePassthrough {
			t.logger.Debug().Str("name", req.Name).Str("key", desc.Key.String()).Msg("passing LUIGI source through")
			return &Result{
				Container:   req.Rom,
				Flags:       desc.Flags,
				Key:         desc.Key,
				Source:      FormatLuigi,
				Passthrough: true,
			}, nil
		}
		c, err := Decode(req.Rom)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.Name, err)
		}
		rom, cfg, title = c.Rom, c.Config, c.Title
	}

	var res *Result
	switch req.Mode {
	case ModeStandard, ModePassthrough:
		res, err = t.standard(ctx, desc, rom, cfg, title, req.Features)
	case ModeFeatureUpdate:
		res, err = t.featureUpdate(ctx, desc, rom, cfg, title, req.Features)
	case ModeReset:
		res, err = t.reset(ctx, desc, rom, cfg, title, req.Features)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Name, err)
	}
	res.Source = desc.Format

	t.logger.Debug().
		Str("name", req.Name).
		Str("mode", string(req.Mode)).
		Str("key", res.Key.String()).
		Str("flags", res.Flags.String()).
		Bool("cache_hit", res.CacheHit).
		Msg("transcoded")
	return res, nil
}

func (t *Transcoder) standard(ctx context.Context, desc *FormatDescriptor, rom, cfg []byte, title string, dev DeviceFeatures) (*Result, error) {
	if e, ok := t.lookup(ctx, desc.Key); ok {
		if err := checkConflicts(e.Flags, dev.Capabilities); err != nil {
			return nil, err
		}
		return &Result{Container: e.Container, Flags: e.Flags, Key: desc.Key, CacheHit: true}, nil
	}
	return t.generate(ctx, desc.Key, rom, cfg, title, desc.Flags, dev)
}

func (t *Transcoder) featureUpdate(ctx context.Context, desc *FormatDescriptor, rom, cfg []byte, title string, dev DeviceFeatures) (*Result, error) {
	if err := checkConflicts(dev.Flags, dev.Capabilities); err != nil {
		return nil, err
	}
	if e, ok := t.lookup(ctx, desc.Key); ok {
		out, err := Rewrite(e.Container, dev.Flags)
		if err == nil {
			t.store(ctx, &Entry{Key: desc.Key, Flags: dev.Flags, Container: out})
			return &Result{Container: out, Flags: dev.Flags, Key: desc.Key, CacheHit: true}, nil
		}
		t.logger.Warn().Err(err).Str("key", desc.Key.String()).Msg("cached container unusable, regenerating")
	}
	return t.generate(ctx, desc.Key, rom, cfg, title, dev.Flags, dev)
}

func (t *Transcoder) reset(ctx context.Context, desc *FormatDescriptor, rom, cfg []byte, title string, dev DeviceFeatures) (*Result, error) {
	return t.generate(ctx, desc.Key, rom, cfg, title, desc.Flags, dev)
}

func (t *Transcoder) generate(ctx context.Context, key lfs.ForkKey, rom, cfg []byte, title string, flags FeatureFlags, dev DeviceFeatures) (*Result, error) {
	if err := checkConflicts(flags, dev.Capabilities); err != nil {
		return nil, err
	}
	out := Encode(rom, cfg, title, flags)
	t.store(ctx, &Entry{Key: key, Flags: flags, Container: out})
	return &Result{Container: out, Flags: flags, Key: key}, nil
}

func (t *Transcoder) lookup(ctx context.Context, key lfs.ForkKey) (*Entry, bool) {
	if t.cache == nil {
		return nil, false
	}
	return t.cache.Get(ctx, key)
}

func (t *Transcoder) store(ctx context.Context, e *Entry) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Put(ctx, e); err != nil {
		t.logger.Warn().Err(err).Str("key", e.Key.String()).Msg("failed to cache container")
	}
}
