package beat

// framesPerMinute converts beat periods in frames to BPM at the 60 Hz
// analysis rate.
const framesPerMinute = 3600.0

// checkOctaveAlternative scores the current period against double-time
// (T/2) and half-time (2T) on recent score history and switches when an
// alternative is clearly stronger. This recovers from octave lock, where
// the tracker beats on every other onset or on subdivisions.
func (t *Tracker) checkOctaveAlternative() {
	T := t.period
	if T < 20 {
		return
	}

	halfT := T / 2
	doubleT := T * 2

	lookback := T * 4
	if lookback > t.sampleCount {
		lookback = t.sampleCount
	}

	scoreT := t.meanScoreAt(T, lookback)

	if halfT >= 10 {
		scoreHalf := t.meanScoreAt(halfT, lookback)
		if scoreT > 0.001 && scoreHalf > t.OctaveScoreRatio*scoreT {
			t.switchTempo(halfT)
			return
		}
	}

	// The slower alternative needs a longer lookback to cover the same
	// number of beats, and must stay inside the BPM floor and buffer.
	lookbackDouble := doubleT * 4
	if lookbackDouble > t.sampleCount {
		lookbackDouble = t.sampleCount
	}
	doubleBPM := framesPerMinute / float64(doubleT)
	if doubleBPM >= t.BPMMin && doubleT < bufferSize/2 {
		scoreDouble := t.meanScoreAt(doubleT, lookbackDouble)
		if scoreT > 0.001 && scoreDouble > t.OctaveScoreRatio*scoreT {
			t.switchTempo(doubleT)
		}
	}
}

// meanScoreAt averages the score at spacing-separated positions walking
// back from the newest sample.
func (t *Tracker) meanScoreAt(spacing, lookback int) float64 {
	sum := 0.0
	count := 0
	for offset := 0; offset < lookback; offset += spacing {
		idx := t.sampleCount - 1 - offset
		if idx < 0 {
			continue
		}
		sum += t.cbss[idx%bufferSize]
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// checkPhaseAlignment scans eight phase offsets within one period and
// re-times the countdown when the raw onsets consistently land away from
// the current grid. It reads raw onset strength, not the score, because
// the score is self-reinforcing and would always vote for the current
// phase.
func (t *Tracker) checkPhaseAlignment() {
	if t.Onsets == nil {
		return
	}
	T := t.period
	ossCount := t.Onsets.Count()
	if T < 10 || ossCount < T*3 {
		return
	}

	maxBeats := (bufferSize - T) / T
	if maxBeats > 6 {
		maxBeats = 6
	}
	if maxBeats < 2 {
		return
	}

	bestScore := -1.0
	bestOffset := 0
	currentScore := 0.0

	for step := 0; step < phaseSteps; step++ {
		phaseOffset := (step * T) / phaseSteps
		score := 0.0
		count := 0

		for b := 0; b < maxBeats; b++ {
			back := phaseOffset + b*T
			if back >= ossCount || back >= bufferSize {
				break
			}
			score += t.Onsets.Latest(back)
			count++
		}
		if count > 0 {
			score /= float64(count)
		}

		// Offset zero is the current beat phase.
		if step == 0 {
			currentScore = score
		}
		if score > bestScore {
			bestScore = score
			bestOffset = phaseOffset
		}
	}

	if bestOffset > 0 && currentScore > 0.001 && bestScore > t.PhaseCheckRatio*currentScore {
		// The strongest onsets sit bestOffset frames behind the grid,
		// so the next beat fires that much sooner.
		t.toNextBeat = T - bestOffset
		if t.toNextBeat < 1 {
			t.toNextBeat = 1
		}
		t.toNextPrediction = t.toNextBeat / 2
	}
}

// switchTempo adopts a new period immediately and re-times both
// countdowns. The follower, when present, moves its tempo estimate the
// same way so the next fusion pass does not revert the switch.
func (t *Tracker) switchTempo(periodSamples int) {
	t.period = periodSamples
	t.toNextBeat = periodSamples
	t.toNextPrediction = periodSamples / 2
	if t.Follower != nil {
		t.Follower.ForceTempo(periodSamples)
	}
}
