// Package stream turns a running program's output into session events.
//
// Chunks is the read loop, Forward the sink that frames each chunk as an
// sse-result-chunk event. Neither knows about jobs or containers.
package stream
