// Package metrics exposes the service's Prometheus metrics. Metrics
// implements vad.Observer so the engine reports detections, events and
// backend fallbacks directly.
package metrics
