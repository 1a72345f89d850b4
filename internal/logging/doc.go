// Package logging provides structured logging using uber/zap.
//
// DefaultConfig logs JSON for machine parsing and DevelopmentConfig logs
// colored console lines; Preset picks one from the loaded configuration.
//
// The storage engine logs recovered failures (unreadable records, stale
// modules, deferred deletes) at warn level and lifecycle operations at
// debug level. Logs go to stderr so CLI output on stdout stays parseable.
//
// Example Usage:
//
//	logger, err := logging.New(logging.Preset(cfg.Logging.Development, cfg.Logging.Level, cfg.Logging.Output))
//	logger.Module(m.ID, m.Location).Info("module installed")
//	logger.Warn("discarding framework.info", zap.Error(err))
package logging
