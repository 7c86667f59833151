// Package audio provides PCM input sources and diagnostic outputs for
// the analysis daemon. All sources deliver signed 16-bit mono samples
// at the analyzer rate regardless of what the underlying stream looks
// like.
package audio

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// AnalysisRate is the sample rate every source resamples to.
const AnalysisRate = 16000

// Source delivers mono 16-bit PCM at AnalysisRate.
type Source interface {
	// Read fills dst with up to len(dst) samples and returns the count.
	// io.EOF signals the end of the stream.
	Read(dst []int16) (int, error)

	// Close releases resources
	Close() error
}

// downmix folds interleaved multi-channel PCM to mono by averaging.
func downmix(data []int, channels int) []int16 {
	if channels < 1 {
		channels = 1
	}
	frames := len(data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c]
		}
		v := sum / channels
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// resample converts mono PCM from srcRate to dstRate by linear
// interpolation. Good enough for analysis: the spectral front end only
// looks below 8 kHz and a beat does not care about interpolation error.
func resample(in []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(srcRate) / float64(dstRate)
	n := int(float64(len(in)) / ratio)
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}

// WavSource reads a whole WAV file up front and serves it as mono
// PCM at AnalysisRate. Intended for offline analysis and tuning runs,
// not live capture.
type WavSource struct {
	file    *os.File
	samples []int16
	pos     int
}

// NewWavSource opens and decodes a WAV file
func NewWavSource(path string) (*WavSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav: %w", err)
	}

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode wav: %w", err)
	}
	if buf.Format == nil || len(buf.Data) == 0 {
		f.Close()
		return nil, fmt.Errorf("wav file has no PCM data")
	}

	mono := downmix(buf.Data, buf.Format.NumChannels)
	samples := resample(mono, buf.Format.SampleRate, AnalysisRate)

	return &WavSource{file: f, samples: samples}, nil
}

// Duration returns the decoded length in samples at AnalysisRate.
func (s *WavSource) Duration() int { return len(s.samples) }

func (s *WavSource) Read(dst []int16) (int, error) {
	if s.pos >= len(s.samples) {
		return 0, io.EOF
	}
	n := copy(dst, s.samples[s.pos:])
	s.pos += n
	return n, nil
}

func (s *WavSource) Close() error {
	return s.file.Close()
}

// StreamSource reads raw signed 16-bit little-endian mono PCM from a
// reader, typically a capture pipeline on stdin, and resamples it to
// AnalysisRate.
type StreamSource struct {
	reader     *bufio.Reader
	closer     io.Closer
	sampleRate int

	// Linear resampler state across Read calls
	pos  float64
	prev int16
	have bool

	raw []int16
}

// NewStreamSource wraps a raw PCM stream at the given sample rate
func NewStreamSource(r io.Reader, sampleRate int) *StreamSource {
	s := &StreamSource{
		reader:     bufio.NewReaderSize(r, 1<<15),
		sampleRate: sampleRate,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *StreamSource) Read(dst []int16) (int, error) {
	if s.sampleRate == AnalysisRate {
		return s.readRaw(dst)
	}

	// Pull enough raw samples to cover the request after resampling.
	ratio := float64(s.sampleRate) / float64(AnalysisRate)
	need := int(float64(len(dst))*ratio) + 2
	if cap(s.raw) < need {
		s.raw = make([]int16, need)
	}
	n, err := s.readRaw(s.raw[:need])
	if n == 0 {
		return 0, err
	}
	raw := s.raw[:n]

	out := 0
	for out < len(dst) {
		j := int(s.pos)
		if j >= len(raw)-1 {
			break
		}
		frac := s.pos - float64(j)
		a := raw[j]
		if j == 0 && s.have {
			a = s.prev
		}
		dst[out] = int16(float64(a)*(1-frac) + float64(raw[j+1])*frac)
		out++
		s.pos += ratio
	}
	if len(raw) > 0 {
		s.prev = raw[len(raw)-1]
		s.have = true
		s.pos -= float64(len(raw) - 1)
		if s.pos < 0 {
			s.pos = 0
		}
	}
	return out, err
}

// readRaw fills dst with decoded little-endian samples.
func (s *StreamSource) readRaw(dst []int16) (int, error) {
	buf := make([]byte, len(dst)*2)
	n, err := io.ReadFull(s.reader, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	samples := n / 2
	for i := 0; i < samples; i++ {
		dst[i] = int16(uint16(buf[i*2]) | uint16(buf[i*2+1])<<8)
	}
	if samples > 0 && err == io.EOF {
		// Deliver the partial batch first; the next Read reports EOF.
		return samples, nil
	}
	return samples, err
}

func (s *StreamSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
