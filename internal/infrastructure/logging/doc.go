// Package logging provides structured logging for the cell core.
//
// It wraps log/slog with JSON output for production, text output for
// development, and service/version/site fields on every entry:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components take a child logger:
//
//	logger := logging.New(cfg.Logging, cfg.Site.ID, version)
//	plcLogger := logger.Component("plc")
//	plcLogger.Info("result written", "channel", "cam1", "good", true)
//
// Never log the API key or broker credentials.
package logging
