package audio

import "encoding/binary"

// BytesPerSample is the size of one signed 16-bit PCM sample.
const BytesPerSample = 2

// DecodePCM16 converts little-endian 16-bit PCM bytes to samples.
// The result holds len(data)/2 samples; an odd trailing byte is ignored.
func DecodePCM16(data []byte) []int16 {
	n := len(data) / BytesPerSample
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return samples
}

// EncodePCM16 converts samples to little-endian 16-bit PCM bytes.
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return data
}

// ConstantPCM16 returns n samples of the given amplitude encoded as PCM bytes.
func ConstantPCM16(n int, amplitude int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = amplitude
	}
	return EncodePCM16(samples)
}

// ChunkDuration returns the duration in milliseconds of numSamples at sampleRate.
func ChunkDuration(numSamples, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(numSamples) * 1000 / float64(sampleRate)
}
