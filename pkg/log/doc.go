/*
Package log provides structured logging for DWS using zerolog.

The package wraps zerolog behind a small surface: log.Init configures
the global logger (level, JSON vs console, output writer) and
WithComponent derives the per-component child loggers used across the
control plane.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	vaultLog := log.WithComponent("vault")
	vaultLog.Info().Str("credential_id", id).Msg("credential stored")
*/
package log
