package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePCM16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []int16
	}{
		{"empty", nil, []int16{}},
		{"single byte is dropped", []byte{0x7f}, []int16{}},
		{"one sample", []byte{0x34, 0x12}, []int16{0x1234}},
		{"negative", []byte{0x00, 0x80, 0xff, 0xff}, []int16{-32768, -1}},
		{"odd trailing byte ignored", []byte{0x01, 0x00, 0x02, 0x00, 0x03}, []int16{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodePCM16(tt.data))
		})
	}
}

func TestEncodePCM16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 20000}
	assert.Equal(t, samples, DecodePCM16(EncodePCM16(samples)))
}

func TestConstantPCM16(t *testing.T) {
	data := ConstantPCM16(320, 20000)
	require.Len(t, data, 640)
	for _, s := range DecodePCM16(data) {
		require.Equal(t, int16(20000), s)
	}
}

func TestChunkDuration(t *testing.T) {
	assert.InDelta(t, 20.0, ChunkDuration(320, 16000), 1e-9)
	assert.InDelta(t, 32.0, ChunkDuration(256, 8000), 1e-9)
	assert.Zero(t, ChunkDuration(320, 0))
}
