// Package onset detects percussive transients in the audio stream. Six
// independent detectors vote each frame and a fusion stage combines their
// results with agreement weighting, a noise gate, and a unified cooldown.
// A seventh, non-voting band-weighted flux detector supplies the
// continuous onset strength signal consumed by tempo tracking.
package onset

// Frame carries one analysis frame to the detectors. Slices alias the
// spectral analyzer's internal buffers and are only valid for the
// duration of the detect call.
type Frame struct {
	// Level is the perceptually scaled envelope level in [0, 1].
	Level float64
	// RawLevel is the unscaled envelope level.
	RawLevel float64
	// TimestampMs is a monotonic millisecond clock. Wraparound is
	// handled with unsigned subtraction everywhere it is compared.
	TimestampMs uint32

	// SpectralValid reports whether the spectral slices hold at least
	// one processed frame.
	SpectralValid bool
	Magnitudes    []float64
	Phases        []float64
	MelBands      []float64

	// BassValid reports whether the high-resolution bass spectrum is
	// populated (requires the optional 512-point bass analyzer).
	BassValid      bool
	BassMagnitudes []float64
}
