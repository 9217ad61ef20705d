// Package metrics exposes Prometheus metrics for jobs, sessions, HTTP
// traffic, the janitor and the relay.
package metrics
