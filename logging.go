package sqlacc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mysql "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// logStatement logs one execution with structured fields. Statements over
// Config.SlowThreshold are logged at warn; failures at error.
func (e *Engine) logStatement(ctx context.Context, operation, method, statement string, params int, d time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.String("method", method),
		slog.String("statement", statement),
		slog.Float64("duration_ms", float64(d.Nanoseconds())/1e6),
	}
	if params > 0 {
		attrs = append(attrs, slog.Int("param_count", params))
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("status", "error"),
			slog.String("error", err.Error()),
		)
		attrs = append(attrs, driverErrorAttrs(err)...)
	} else {
		attrs = append(attrs, slog.String("status", "success"))
	}

	switch {
	case e.config.SlowThreshold > 0 && d > e.config.SlowThreshold:
		e.logger.LogAttrs(ctx, slog.LevelWarn, "slow statement detected", attrs...)
	case err != nil:
		e.logger.LogAttrs(ctx, slog.LevelError, "statement failed", attrs...)
	default:
		e.logger.LogAttrs(ctx, slog.LevelDebug, "statement executed", attrs...)
	}
}

// driverErrorAttrs extracts the driver-specific error code.
func driverErrorAttrs(err error) []slog.Attr {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return []slog.Attr{slog.Int("error_code", int(myErr.Number))}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return []slog.Attr{slog.String("error_code", string(pqErr.Code))}
	}
	return nil
}

// logPrepared logs a successfully prepared method.
func (e *Engine) logPrepared(m *Method) {
	e.logger.LogAttrs(context.Background(), slog.LevelDebug, "method prepared",
		slog.String("method", m.name),
		slog.String("strategy", m.plan.strategy().String()),
		slog.Int("params", len(m.res.entries)),
		slog.Bool("optimized", m.info.Optimized()),
	)
}
