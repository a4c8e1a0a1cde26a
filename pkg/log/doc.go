/*
Package log provides structured logging for FleetSense using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. Console output is used for
interactive runs; JSON output for fleet deployments where logs are shipped.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("campaign-manager")
	logger.Info().Str("sync_id", id).Msg("campaign activated")
*/
package log
