package audio

import (
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	clickFreqHz   = 1000.0
	clickLenMs    = 30.0
	clickGain     = 0.8
	clickBitDepth = 16
)

// WriteClickTrack renders the declared beat times as a click track WAV
// so a tuning session can audition the tracker against the source
// material in any editor.
func WriteClickTrack(path string, beatTimesMs []float64, durationMs float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create click track: %w", err)
	}
	defer f.Close()

	total := int(durationMs / 1000 * AnalysisRate)
	if total <= 0 {
		total = 1
	}
	data := make([]int, total)

	clickLen := int(clickLenMs / 1000 * AnalysisRate)
	for _, tMs := range beatTimesMs {
		start := int(tMs / 1000 * AnalysisRate)
		for i := 0; i < clickLen; i++ {
			idx := start + i
			if idx < 0 || idx >= total {
				break
			}
			// Decaying sine burst
			env := 1 - float64(i)/float64(clickLen)
			v := math.Sin(2*math.Pi*clickFreqHz*float64(i)/AnalysisRate) * env * clickGain
			data[idx] += int(v * 32767)
			if data[idx] > 32767 {
				data[idx] = 32767
			}
			if data[idx] < -32768 {
				data[idx] = -32768
			}
		}
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: AnalysisRate},
		Data:           data,
		SourceBitDepth: clickBitDepth,
	}

	enc := wav.NewEncoder(f, AnalysisRate, clickBitDepth, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write click track: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize click track: %w", err)
	}
	return nil
}
