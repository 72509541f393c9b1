package vad

import (
	"fmt"
	"time"

	"github.com/skypro1111/vad-service/internal/audio"
)

// VoiceSegment is one contiguous stretch of speech found by Scan.
type VoiceSegment struct {
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	StartChunk int           `json:"start_chunk"`
	EndChunk   int           `json:"end_chunk"`
	Closed     bool          `json:"closed"` // false when the audio ended mid-speech
}

// Duration returns the length of the segment.
func (s VoiceSegment) Duration() time.Duration {
	return s.End - s.Start
}

// Scan feeds pcm through the engine in chunks of chunkSamples samples under
// sessionID and returns the speech segments bounded by start and end events.
// The session is reset before and after the scan. A trailing partial chunk
// is scored as is.
//
// Segment offsets are positions in the audio, so an end lands at the end of
// the chunk that completed the silence debounce.
func Scan(e *Engine, pcm []byte, chunkSamples int, sessionID string) ([]VoiceSegment, error) {
	if chunkSamples <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidArgument, chunkSamples)
	}
	if err := e.Reset(sessionID); err != nil {
		return nil, err
	}
	defer e.Reset(sessionID) //nolint:errcheck

	framer, err := audio.NewFramer(chunkSamples)
	if err != nil {
		return nil, err
	}
	chunks := framer.Write(pcm)
	if tail := framer.Flush(); len(tail) >= audio.BytesPerSample {
		chunks = append(chunks, tail)
	}

	rate := e.Config().SampleRate
	var (
		segments []VoiceSegment
		current  *VoiceSegment
		offset   int // samples consumed so far
	)
	for i, chunk := range chunks {
		n := len(chunk) / audio.BytesPerSample
		ev, err := e.Detect(chunk, sessionID)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		if ev != nil {
			switch ev.Kind {
			case EventStart:
				current = &VoiceSegment{Start: samplesToDuration(offset, rate), StartChunk: i}
			case EventEnd:
				if current != nil {
					current.End = samplesToDuration(offset+n, rate)
					current.EndChunk = i
					current.Closed = true
					segments = append(segments, *current)
					current = nil
				}
			}
		}
		offset += n
	}

	if current != nil {
		current.End = samplesToDuration(offset, rate)
		current.EndChunk = len(chunks) - 1
		segments = append(segments, *current)
	}
	return segments, nil
}

func samplesToDuration(samples, sampleRate int) time.Duration {
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}
