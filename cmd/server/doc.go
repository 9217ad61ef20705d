// Package main is the entry point for the Runbox server.
//
// Runbox runs untrusted programs (Node.js, Python, Go) in throwaway
// containers and reports their progress over a session event channel. A
// client opens GET /events, receives its session id in the sse-connect
// event and submits jobs with POST /run; output arrives buffered in one
// sse-result event or streamed as sse-result-chunk events.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
// Setting relay.redis_addr lets several instances share sessions through
// Redis; janitor.enabled turns on the cleanup of leftover containers and
// artifacts.
package main
