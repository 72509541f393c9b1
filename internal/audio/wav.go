package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	wavHeaderSize   = 44
	wavFormatPCM    = 1
	riffPreambleLen = 12
	chunkHeaderLen  = 8
)

// WAVHeader is the canonical 44-byte header written by EncodeWAV.
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WAVInfo describes the PCM stream inside a WAV file.
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// EncodeWAV encodes mono 16-bit samples as a WAV file.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * BytesPerSample)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*BytesPerSample))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(EncodePCM16(samples))

	return buf.Bytes(), nil
}

// DecodeWAV returns the samples and sample rate of a mono 16-bit PCM WAV file.
func DecodeWAV(data []byte) ([]int16, int, error) {
	pcm, info, err := ExtractPCM(data)
	if err != nil {
		return nil, 0, err
	}
	return DecodePCM16(pcm), int(info.SampleRate), nil
}

// ExtractPCM walks the RIFF chunks of a WAV file and returns the raw data
// chunk bytes. Chunks other than "fmt " and "data" (LIST, fact, ...) are
// skipped. Only mono 16-bit PCM is accepted.
func ExtractPCM(data []byte) ([]byte, *WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, nil, err
	}

	var (
		info    *WAVInfo
		pcm     []byte
		hasData bool
	)
	offset := riffPreambleLen
	for offset+chunkHeaderLen <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + chunkHeaderLen
		end := body + size
		if end > len(data) || end < body {
			// Truncated streams often carry a bogus data size; take what is there.
			if id != "data" {
				return nil, nil, fmt.Errorf("invalid WAV file: chunk %q overruns file (%d bytes at %d)", id, size, body)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			fi, err := parseFmtChunk(data[body:end])
			if err != nil {
				return nil, nil, err
			}
			info = fi
		case "data":
			pcm = data[body:end]
			hasData = true
		}

		// Chunks are word aligned.
		offset = end + (end-body)%2
		if hasData && info != nil {
			break
		}
	}

	if info == nil {
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if !hasData {
		return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if len(pcm) < BytesPerSample {
		return nil, nil, fmt.Errorf("no audio data found")
	}

	info.DataSize = uint32(len(pcm))
	info.NumSamples = info.DataSize / BytesPerSample
	info.Duration = float64(info.NumSamples) / float64(info.SampleRate)
	return pcm, info, nil
}

func parseFmtChunk(b []byte) (*WAVInfo, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", len(b))
	}

	audioFormat := binary.LittleEndian.Uint16(b[0:2])
	channels := binary.LittleEndian.Uint16(b[2:4])
	sampleRate := binary.LittleEndian.Uint32(b[4:8])
	bits := binary.LittleEndian.Uint16(b[14:16])

	if audioFormat != wavFormatPCM {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
	}
	if bits != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", bits)
	}
	if channels != 1 {
		return nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", channels)
	}
	if sampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	return &WAVInfo{SampleRate: sampleRate, Channels: channels, BitsPerSample: bits}, nil
}

// ValidateWAV checks the RIFF/WAVE preamble.
func ValidateWAV(data []byte) error {
	if len(data) < riffPreambleLen+chunkHeaderLen {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", riffPreambleLen+chunkHeaderLen, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	return nil
}

// IsWAV reports whether data starts with a RIFF/WAVE preamble.
func IsWAV(data []byte) bool {
	return len(data) >= riffPreambleLen && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// GetWAVInfo extracts metadata from a WAV file.
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	_, info, err := ExtractPCM(data)
	if err != nil {
		return nil, err
	}
	return info, nil
}
