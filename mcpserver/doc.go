// Package mcpserver exposes the sandbox as a Model Context Protocol tool.
//
// The run_code tool runs a buffered job synchronously and answers with a
// JSON document holding the outcome, the program output and the events a
// session would have received. It is served over the streamable HTTP
// transport of mark3labs/mcp-go, mounted on the main HTTP server.
//
// Usage:
//
//	tools := mcpserver.New(cfg, logger, jobs)
//	router.Any("/mcp", gin.WrapH(tools.Handler()))
package mcpserver
