// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Session counts and disconnect reasons
//   - Envelope rates by kind, drops and protocol errors
//   - Join outcomes
//   - Publish fan-out size, latency and per-subscriber failures
//   - Subscribe feed overflow and archive batch results
//
// A nil *Metrics is valid and records nothing.
package metrics
