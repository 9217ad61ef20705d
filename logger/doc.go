// Package logger builds the zap logger shared by every component.
//
// Production mode writes JSON with ISO8601 timestamps and no stack traces;
// development mode writes colored console output. Every entry carries the
// service name and host. The level returned by Build stays adjustable while
// the process runs.
//
//	log, level, err := logger.Build("production", "info")
//	if err != nil {
//	    return err
//	}
//	level.SetLevel(zap.DebugLevel)
//	log.Debug("job finished", zap.Int64("job_id", id))
package logger
