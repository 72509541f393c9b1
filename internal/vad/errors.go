package vad

import "errors"

var (
	// ErrInvalidArgument is returned for malformed input: an empty session id,
	// an empty audio buffer, or a buffer too short to hold a single sample.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBackendFailure marks a scorer that failed, timed out, panicked or
	// produced a probability outside [0,1]. The engine absorbs it and rescores
	// with the energy backend; it never reaches Detect callers.
	ErrBackendFailure = errors.New("scorer backend failure")
)
