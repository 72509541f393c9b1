package vad

import (
	"fmt"
	"math"
)

// maxAmplitude is the largest magnitude a signed 16-bit sample can take.
const maxAmplitude = 32768.0

// Scorer produces a speech probability in [0,1] for one chunk of samples.
//
// The session id is passed so that stateful models (recurrent networks) can
// keep one state per audio stream; stateless scorers ignore it.
type Scorer interface {
	Name() string
	Score(sessionID string, samples []int16) (float64, error)
}

// SessionResetter is implemented by scorers that keep per-session state.
// The engine calls it from Reset and ClearAll.
type SessionResetter interface {
	ResetSession(sessionID string)
	ResetAll()
}

// EnergyScorer scores a chunk by its mean absolute amplitude normalized by
// 32768. It is deterministic and keeps no state.
type EnergyScorer struct{}

// Name returns "energy".
func (EnergyScorer) Name() string { return "energy" }

// Score returns the normalized mean absolute amplitude of samples.
func (EnergyScorer) Score(_ string, samples []int16) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("%w: no samples to score", ErrInvalidArgument)
	}
	return MeanAbsEnergy(samples), nil
}

// MeanAbsEnergy returns the mean absolute amplitude of samples in [0,1].
// It returns 0 for an empty slice.
func MeanAbsEnergy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples)) / maxAmplitude
}

// validProbability reports whether p is a usable scorer output.
func validProbability(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}
