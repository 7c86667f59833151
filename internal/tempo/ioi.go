package tempo

// ioiBufferSize caps how many transient times are kept for interval
// statistics.
const ioiBufferSize = 16

// IOIRecord stores the analysis-frame indices of recent percussive
// transients. Intervals between onset pairs vote for tempo bins whose lag
// they match.
type IOIRecord struct {
	samples  [ioiBufferSize]int
	writeIdx int
	count    int
}

// Push records the frame index of one transient.
func (r *IOIRecord) Push(sample int) {
	r.samples[r.writeIdx] = sample
	r.writeIdx = (r.writeIdx + 1) % ioiBufferSize
	if r.count < ioiBufferSize {
		r.count++
	}
}

func (r *IOIRecord) Count() int { return r.count }

// Latest returns the frame index recorded back pushes behind the newest.
func (r *IOIRecord) Latest(back int) int {
	idx := (r.writeIdx - 1 - back + ioiBufferSize) % ioiBufferSize
	return r.samples[idx]
}

// Shift rebases every stored index when the frame counter renormalizes,
// flooring at zero.
func (r *IOIRecord) Shift(delta int) {
	for i := range r.samples {
		r.samples[i] -= delta
		if r.samples[i] < 0 {
			r.samples[i] = 0
		}
	}
}

func (r *IOIRecord) Reset() {
	r.samples = [ioiBufferSize]int{}
	r.writeIdx = 0
	r.count = 0
}
