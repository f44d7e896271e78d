/*
Package log provides structured logging for the agent using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. All logs include
timestamps and support filtering by severity level for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Context loggers:

	// Per-network worker logger
	netLog := log.WithNetwork("bloxberg_mainnet")
	netLog.Info().Msg("worker started")

	// Order processing logger
	orderLog := log.WithOrderID(1234)
	orderLog.Info().Str("result_cid", cid).Msg("result submitted")

Structured fields:

	log.Logger.Error().
		Err(err).
		Uint64("dp_req", id).
		Msg("failed to place order")

# Log Levels

Debug is verbose and intended for development, Info is the production default,
Warn flags conditions that may need attention, and Error records failed
operations.

Every per-network worker receives a WithNetwork child logger so that logs from
concurrently running networks can be told apart in aggregation tools.
*/
package log
