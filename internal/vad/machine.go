package vad

import (
	"fmt"
	"strings"
)

// SilenceAccounting selects how the end-of-speech debounce is measured.
type SilenceAccounting string

const (
	// SilenceChunks counts consecutive non-speech chunks. The number required
	// is minSilenceMs*sampleRate/(1000*samplesPerChunk), so the effective
	// silence duration depends on the caller keeping a constant chunk size.
	SilenceChunks SilenceAccounting = "chunks"

	// SilenceSamples accumulates non-speech samples across chunks of any size
	// and ends speech once minSilenceMs worth of samples has been seen.
	SilenceSamples SilenceAccounting = "samples"
)

// ParseSilenceAccounting maps a config string to a SilenceAccounting.
// The empty string selects SilenceChunks.
func ParseSilenceAccounting(s string) (SilenceAccounting, error) {
	switch SilenceAccounting(strings.ToLower(strings.TrimSpace(s))) {
	case "", SilenceChunks:
		return SilenceChunks, nil
	case SilenceSamples:
		return SilenceSamples, nil
	default:
		return "", fmt.Errorf("unknown silence accounting %q (want %q or %q)", s, SilenceChunks, SilenceSamples)
	}
}

// debounce holds the configuration-derived constants of the state machine.
type debounce struct {
	accounting   SilenceAccounting
	minSilenceMs int64
	sampleRate   int64
}

// minSilenceFrames is the number of consecutive non-speech chunks of
// numSamples samples that end a speech segment.
func (d debounce) minSilenceFrames(numSamples int) int {
	if numSamples <= 0 {
		return 0
	}
	return int(d.minSilenceMs * d.sampleRate / (1000 * int64(numSamples)))
}

// minSilenceSamples is the amount of non-speech audio, in samples, that ends
// a speech segment under SilenceSamples accounting.
func (d debounce) minSilenceSamples() int {
	return int(d.minSilenceMs * d.sampleRate / 1000)
}

// advance applies one chunk's speech decision to the session and returns the
// event kind to emit, if any.
func (d debounce) advance(st *sessionState, speech bool, numSamples int) (EventKind, bool) {
	if speech {
		st.silenceFrames = 0
		st.silenceSamples = 0
		if !st.speaking {
			st.speaking = true
			return EventStart, true
		}
		return "", false
	}

	if !st.speaking {
		st.silenceFrames = 0
		st.silenceSamples = 0
		return "", false
	}

	st.silenceFrames++
	st.silenceSamples += numSamples

	var done bool
	switch d.accounting {
	case SilenceSamples:
		done = st.silenceSamples >= d.minSilenceSamples()
	default:
		done = st.silenceFrames >= d.minSilenceFrames(numSamples)
	}
	if !done {
		return "", false
	}

	st.speaking = false
	st.silenceFrames = 0
	st.silenceSamples = 0
	return EventEnd, true
}
