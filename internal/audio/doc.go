// Package audio handles 16-bit PCM conversion, fixed-size re-framing of
// streamed audio, and WAV encoding/decoding for the VAD transports.
package audio
