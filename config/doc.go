// Package config loads the runbox configuration.
//
// Values come from config.yaml (in the working directory or ./config) and
// are overridden by RUNBOX_* environment variables, so
// RUNBOX_SANDBOX_MEMORY_MB=256 replaces sandbox.memory_mb. Load rejects
// values the sandbox cannot run with, such as an unknown runtime.
//
//	cfg, err := config.New()
//	if err != nil {
//	    return err
//	}
//	timeout := cfg.BufferedTimeout()
package config
