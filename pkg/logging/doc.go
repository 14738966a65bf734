// Package logging provides structured logging configuration for warcrec.
//
// It wraps log/slog so every component logs the same way. Components accept a
// *slog.Logger in their options; when none is given they fall back to Nop.
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("capture started", "target", targetURL)
//	logger.Warn("body fetch failed", "exchange", key, "error", err)
//
// When Config.File is set, records are also appended to that file as JSON
// through a MultiHandler.
package logging
