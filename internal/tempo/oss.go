package tempo

import "github.com/Jdubz/blinky-time-sub003/internal/dsp"

const (
	// BufferSize is the onset strength history length, about 4.3 seconds
	// at the nominal 60 Hz analysis rate.
	BufferSize = 256

	// FramesPerMinute converts between analysis-frame lags and BPM at the
	// nominal frame rate: bpm = FramesPerMinute / lag.
	FramesPerMinute = 3600.0
)

// Stream holds the recent onset strength signal together with the capture
// timestamp of each sample. Timestamps let the periodicity analysis measure
// the real frame rate instead of assuming the nominal one.
type Stream struct {
	values *dsp.Ring[float64]
	stamps *dsp.Ring[uint32]
}

func NewStream() *Stream {
	return &Stream{
		values: dsp.NewRing[float64](BufferSize),
		stamps: dsp.NewRing[uint32](BufferSize),
	}
}

// Push appends one onset strength sample. Silent frames must still push a
// zero so the buffer stays contiguous in time.
func (s *Stream) Push(value float64, timestampMs uint32) {
	s.values.Push(value)
	s.stamps.Push(timestampMs)
}

func (s *Stream) Count() int { return s.values.Count() }

// At returns the i-th sample in chronological order, 0 being the oldest.
func (s *Stream) At(i int) float64 { return s.values.At(i) }

// Latest returns the sample pushed back frames ago, 0 being the newest.
func (s *Stream) Latest(back int) float64 { return s.values.Latest(back) }

// CopyValues linearizes the buffered samples oldest-first into dst and
// returns how many were written.
func (s *Stream) CopyValues(dst []float64) int { return s.values.CopyTo(dst) }

// SpanMs returns the capture time covered by the buffer in milliseconds.
// Returns 0 until at least two samples are buffered.
func (s *Stream) SpanMs() int32 {
	if s.stamps.Count() < 2 {
		return 0
	}
	return int32(s.stamps.Latest(0) - s.stamps.At(0))
}

func (s *Stream) Reset() {
	s.values.Reset()
	s.stamps.Reset()
}

const (
	minSmoothWidth = 3
	maxSmoothWidth = 11
)

// Smoother is a short moving average applied to the raw onset strength
// before it enters the stream. A few frames of smoothing keeps single-frame
// detector spikes from reading as periodicity at very short lags.
type Smoother struct {
	Width int // window in frames, clamped to [3, 11]

	buf       [maxSmoothWidth]float64
	idx       int
	lastWidth int
}

func NewSmoother(width int) *Smoother {
	return &Smoother{Width: width}
}

// Apply pushes raw into the window and returns the current average. When
// the width changes the window is refilled with raw so stale samples from
// the old width cannot leak into the average.
func (s *Smoother) Apply(raw float64) float64 {
	width := s.Width
	if width < minSmoothWidth {
		width = minSmoothWidth
	}
	if width > maxSmoothWidth {
		width = maxSmoothWidth
	}
	if width != s.lastWidth {
		for i := range s.buf {
			s.buf[i] = raw
		}
		s.idx = 0
		s.lastWidth = width
	}

	s.buf[s.idx] = raw
	s.idx = (s.idx + 1) % width

	sum := 0.0
	for i := 0; i < width; i++ {
		sum += s.buf[i]
	}
	return sum / float64(width)
}

func (s *Smoother) Reset() {
	s.buf = [maxSmoothWidth]float64{}
	s.idx = 0
	s.lastWidth = 0
}
