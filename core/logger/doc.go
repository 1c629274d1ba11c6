// Package logger provides structured logging utilities built on Go's standard slog package.
//
// It offers a small factory for text or JSON loggers and a set of attribute helpers
// shared by the queue engine and its integrations.
//
// # Basic Usage
//
//	import "github.com/dmitrymomot/dbqueue/core/logger"
//
//	log := logger.New(
//		logger.WithLevel(slog.LevelDebug),
//		logger.WithJSONFormatter(),
//		logger.WithAttr(slog.String("service", "billing-bus")),
//	)
//
//	log.Info("entries reaped",
//		logger.Queue("bus_events"),
//		logger.RecordIDs([]int64{12, 13}),
//		logger.Count("reaped", 2),
//	)
//
// # Nil Safety
//
// Helpers return an empty slog.Attr for nil or empty values, which slog drops:
//
//	log.Error("settle failed", logger.Error(err)) // no "error" key when err is nil
//
// # Discarding Output
//
// Components default to logger.Discard() so that logging stays opt-in:
//
//	engine, _ := queue.NewEngine(gw, cfg) // silent
//	engine, _ = queue.NewEngine(gw, cfg, queue.WithEngineLogger(log))
package logger
