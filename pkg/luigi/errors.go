package luigi

import "errors"

var (
	// ErrUnsupportedRomFormat is returned for sources that are neither a
	// LUIGI container nor a recognised ROM image.
	ErrUnsupportedRomFormat = errors.New("unsupported ROM format")

	// ErrFeatureConflict is returned when the negotiated feature flags
	// cannot run on the target device.
	ErrFeatureConflict = errors.New("feature conflict")

	// ErrCorruptContainer is returned for LUIGI data that fails validation.
	ErrCorruptContainer = errors.New("corrupt LUIGI container")
)
