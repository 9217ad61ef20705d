// Package httpserver exposes the sandbox over HTTP with Gin.
//
// Routes:
//
//	GET  /events      session event channel as server-sent events
//	GET  /events/ws   the same frames over a websocket
//	POST /run         submit {language, version, code, sessionId, streamMode}
//	GET  /languages   supported language ids
//	GET  /healthz     liveness and connected session count
//	GET  /metrics     Prometheus metrics
//	GET|PUT /debug/log-level  current log level, or change it
//
// POST /run always answers 200. The body is {"errno":0,"data":{"jobId":N}}
// when the job was accepted and {"errno":1,"message":...} when the request
// could not be read; everything else is reported on the session.
package httpserver
