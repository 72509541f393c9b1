// Package silero scores speech with the Silero VAD ONNX model through ONNX
// Runtime (github.com/yalue/onnxruntime_go).
//
// The model is recurrent: every 512-sample window at 16 kHz (256 at 8 kHz)
// is fed together with the previous window's tail and hidden state. Scorer
// keeps that state per session id and implements vad.SessionResetter so the
// engine can drop it on reset.
package silero
