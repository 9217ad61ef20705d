// Package janitor cleans up after jobs that did not finish normally.
//
// Every job removes its own container, but a crash or a lost runtime call
// can leave one behind. The janitor lists the runtime's containers through
// the Docker Engine API and force-removes those carrying the job name prefix
// that are older than any run budget. It also deletes artifact files older
// than the configured TTL from the working directory.
package janitor
