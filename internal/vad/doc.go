// Package vad detects the start and end of speech in many independent audio
// streams at once.
//
// An Engine keeps one small state machine per session id. Each call to Detect
// scores a chunk of 16-bit mono PCM with the configured Scorer (falling back
// to mean absolute energy when it fails), compares the score against the
// threshold and debounces the end of speech over a minimum silence duration.
// Only transitions are reported: a start event when a silent session hears
// speech and an end event once enough consecutive silence has followed.
package vad
