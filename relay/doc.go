// Package relay shares session events between service instances through
// Redis.
//
// With the relay enabled, job events are published to one Redis channel
// instead of being queued locally, and every instance delivers the frames it
// receives to the sessions it holds. Session ids are drawn from a Redis
// counter so they stay unique across instances.
package relay
