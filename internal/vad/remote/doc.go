// Package remote scores speech by calling a VAD model served over HTTP.
// It provides retry with exponential backoff, bounded concurrency and
// request statistics, and implements vad.Scorer and vad.SessionResetter.
package remote
