// ABOUTME: Package metrics exposes gatekeeper activity to Prometheus
// ABOUTME: The recorder is a bus subscriber and never calls into components

// Package metrics turns bus events into Prometheus series.
package metrics
