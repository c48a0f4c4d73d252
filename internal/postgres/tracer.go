package postgres

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration) {
	f(ctx, operation, outcome, dur)
}

// SetQueryObserver sets the global query observer.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

type ctxKey string

const (
	ctxKeySQL   ctxKey = "pgx.sql"
	ctxKeyStart ctxKey = "pgx.start"
)

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line plus observer callback for every query.
type loggingTracer struct {
	inner  pgx.QueryTracer
	logger log.Logger
}

func newLoggingTracer(inner pgx.QueryTracer, logger log.Logger) *loggingTracer {
	if logger == nil {
		logger = log.Nop()
	}
	return &loggingTracer{inner: inner, logger: logger}
}

func (t *loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx = t.inner.TraceQueryStart(ctx, conn, data)
	ctx = context.WithValue(ctx, ctxKeySQL, data.SQL)
	ctx = context.WithValue(ctx, ctxKeyStart, time.Now())
	return ctx
}

func (t *loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	t.inner.TraceQueryEnd(ctx, conn, data)

	sql, _ := ctx.Value(ctxKeySQL).(string)
	start, ok := ctx.Value(ctxKeyStart).(time.Time)
	if !ok {
		return
	}
	dur := time.Since(start)

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
		t.logger.Error(ctx, data.Err, "db query failed", "sql", sql, "duration_ms", dur.Milliseconds())
	} else {
		t.logger.Info(ctx, "db query", "sql", sql, "duration_ms", dur.Milliseconds(), "rows", data.CommandTag.RowsAffected())
	}

	if h := queryObserver.Load(); h != nil {
		h.ObserveQuery(ctx, operationOf(sql), outcome, dur)
	}
}

func operationOf(sql string) string {
	for i, r := range sql {
		if r == ' ' || r == '\n' || r == '\t' {
			return sql[:i]
		}
	}
	return sql
}
