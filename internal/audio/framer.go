package audio

import "fmt"

// Framer re-frames a stream of PCM bytes into chunks of a fixed number of
// samples, carrying any remainder over to the next Write. Transports use it
// so that every chunk of a session has the same size.
//
// A Framer is not safe for concurrent use; keep one per stream.
type Framer struct {
	frameBytes int
	pending    []byte

	framesOut uint64
}

// NewFramer creates a framer emitting frames of frameSamples samples.
func NewFramer(frameSamples int) (*Framer, error) {
	if frameSamples <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d samples", frameSamples)
	}
	return &Framer{
		frameBytes: frameSamples * BytesPerSample,
		pending:    make([]byte, 0, frameSamples*BytesPerSample*2),
	}, nil
}

// Write appends data and returns every complete frame now available.
// Returned frames do not alias the framer's internal buffer.
func (f *Framer) Write(data []byte) [][]byte {
	f.pending = append(f.pending, data...)
	if len(f.pending) < f.frameBytes {
		return nil
	}

	n := len(f.pending) / f.frameBytes
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.pending[i*f.frameBytes:(i+1)*f.frameBytes])
		frames = append(frames, frame)
	}

	rest := copy(f.pending, f.pending[n*f.frameBytes:])
	f.pending = f.pending[:rest]
	f.framesOut += uint64(n)
	return frames
}

// Flush returns the buffered partial frame, if any, and empties the framer.
func (f *Framer) Flush() []byte {
	if len(f.pending) == 0 {
		return nil
	}
	out := make([]byte, len(f.pending))
	copy(out, f.pending)
	f.pending = f.pending[:0]
	return out
}

// Reset discards buffered bytes.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}

// Pending returns the number of buffered bytes.
func (f *Framer) Pending() int {
	return len(f.pending)
}

// FrameSamples returns the frame size in samples.
func (f *Framer) FrameSamples() int {
	return f.frameBytes / BytesPerSample
}

// FramesOut returns how many complete frames have been emitted.
func (f *Framer) FramesOut() uint64 {
	return f.framesOut
}
