// Package session manages the per-client event channels.
//
// A client connects once, receives its session id in the sse-connect frame
// and then names that id when it submits jobs. Job progress is delivered to
// the session as encoded frames; a ticker owned by the session keeps the
// connection alive with heartbeat comments until the client disconnects.
//
// The Registry satisfies Notifier, the interface every event producer
// writes through, so producers never hold a reference to a connection.
package session
