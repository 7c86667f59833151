package spectral

import (
	"math"

	"github.com/viterin/vek"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// MelFilterbank maps a linear magnitude spectrum onto triangular,
// mel-spaced bands and converts each band to a normalized log energy.
type MelFilterbank struct {
	filters    [][]float64 // one weight vector per band, len fftSize/2
	weightSums []float64
}

// NewMelFilterbank builds numBands triangular filters spanning
// [minHz, maxHz] on the mel scale.
func NewMelFilterbank(numBands, fftSize, sampleRate int, minHz, maxHz float64) *MelFilterbank {
	hzToMel := func(hz float64) float64 {
		return 2595 * math.Log10(1+hz/700)
	}
	melToHz := func(mel float64) float64 {
		return 700 * (math.Pow(10, mel/2595) - 1)
	}

	nyquist := float64(sampleRate) / 2
	if maxHz > nyquist {
		maxHz = nyquist
	}
	lowMel := hzToMel(minHz)
	highMel := hzToMel(maxHz)

	melPoints := make([]float64, numBands+2)
	for i := range melPoints {
		melPoints[i] = lowMel + float64(i)*(highMel-lowMel)/float64(numBands+1)
	}

	binPoints := make([]int, numBands+2)
	for i := range binPoints {
		binPoints[i] = int(math.Floor(melToHz(melPoints[i]) * float64(fftSize) / float64(sampleRate)))
	}

	numBins := fftSize / 2
	fb := &MelFilterbank{
		filters:    make([][]float64, numBands),
		weightSums: make([]float64, numBands),
	}
	for i := 0; i < numBands; i++ {
		fb.filters[i] = make([]float64, numBins)
		for j := binPoints[i]; j < binPoints[i+1] && j < numBins; j++ {
			if binPoints[i+1] != binPoints[i] {
				fb.filters[i][j] = float64(j-binPoints[i]) / float64(binPoints[i+1]-binPoints[i])
			}
		}
		for j := binPoints[i+1]; j < binPoints[i+2] && j < numBins; j++ {
			if binPoints[i+2] != binPoints[i+1] {
				fb.filters[i][j] = float64(binPoints[i+2]-j) / float64(binPoints[i+2]-binPoints[i+1])
			}
		}
		// Center bin weight so narrow filters still pass energy.
		if c := binPoints[i+1]; c < numBins && fb.filters[i][c] == 0 {
			fb.filters[i][c] = 1
		}
		fb.weightSums[i] = vek.Sum(fb.filters[i])
		if fb.weightSums[i] <= 0 {
			fb.weightSums[i] = 1
		}
	}
	return fb
}

// NumBands returns the number of filterbank channels.
func (m *MelFilterbank) NumBands() int { return len(m.filters) }

// Apply fills out with one normalized log energy per band in [0, 1],
// mapping -60 dB..0 dB onto the unit interval. Bands with negligible
// energy report exactly 0 so silence stays silent after whitening.
func (m *MelFilterbank) Apply(magnitudes []float64, out []float64) {
	for i := range m.filters {
		energy := vek.Dot(magnitudes, m.filters[i]) / m.weightSums[i]
		if energy < 1e-6 {
			out[i] = 0
			continue
		}
		logE := 10 * math.Log10(energy+1e-10)
		out[i] = dsp.Clamp01(dsp.Finite((logE + 60) / 60))
	}
}
