package telemetry

import (
	"context"
	"time"

	"goa.design/clue/log"
)

// ClueLogger delegates to goa.design/clue/log. Formatting and debug settings
// come from the context (set via log.Context and log.WithFormat/WithDebug in
// main), so the engine never configures logging itself.
type ClueLogger struct{}

// NewClueLogger constructs a Logger backed by Clue.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// WithRunContext attaches the run's identity to the context so every log
// line emitted under it carries run_id, ticker, and trade_date. The
// coordinator calls it once per run.
func WithRunContext(ctx context.Context, runID, ticker string, tradeDate time.Time) context.Context {
	return log.With(ctx,
		log.KV{K: "run_id", V: runID},
		log.KV{K: "ticker", V: ticker},
		log.KV{K: "trade_date", V: tradeDate.Format("2006-01-02")},
	)
}

// Debug emits a debug-level log message with structured key-value pairs.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, clueFields(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, clueFields(msg, keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, clueFields(msg, keyvals)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, clueFields(msg, keyvals)...)
}

// clueFields renders the message plus variadic key-value pairs as Clue
// fielders. Keys must be strings; a trailing key without a value is paired
// with nil.
func clueFields(msg string, keyvals []any) []log.Fielder {
	fielders := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fielders = append(fielders, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var value any
		if i+1 < len(keyvals) {
			value = keyvals[i+1]
		}
		fielders = append(fielders, log.KV{K: key, V: value})
	}
	return fielders
}
