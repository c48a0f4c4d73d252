// Package pgstore provides a PostgreSQL implementation of dedup.Store for
// deployments where the daemon has no durable local disk.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/rampart/internal/dedup"
)

var tracer = otel.Tracer("github.com/linnemanlabs/rampart/internal/dedup/pgstore")

//go:embed schema.sql
var schema string

// Store persists the dedup cache mapping in PostgreSQL. Load/Save move the
// whole mapping, matching the dedup.Store contract.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned by
// the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Load reads every cache entry.
func (s *Store) Load(ctx context.Context) (map[string]*dedup.Entry, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Load", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint, first_seen_at, last_seen_at, size_estimate FROM rampart_dedup_cache`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &dedup.CacheIOError{Op: "load", Err: err}
	}
	defer rows.Close()

	entries := make(map[string]*dedup.Entry)
	for rows.Next() {
		var fp string
		var e dedup.Entry
		if err := rows.Scan(&fp, &e.FirstSeenAt, &e.LastSeenAt, &e.SizeEstimate); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, &dedup.CacheIOError{Op: "load", Err: err}
		}
		entries[fp] = &e
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &dedup.CacheIOError{Op: "load", Err: err}
	}

	span.SetAttributes(attribute.Int("rampart.cache.entries", len(entries)))
	return entries, nil
}

// Save replaces the stored mapping with the given one in a single
// transaction, so a reader never observes a half-written cache.
func (s *Store) Save(ctx context.Context, entries map[string]*dedup.Entry) error {
	ctx, span := tracer.Start(ctx, "pgstore.Save", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "TRUNCATE+COPY"),
		attribute.Int("rampart.cache.entries", len(entries)),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &dedup.CacheIOError{Op: "flush", Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `TRUNCATE rampart_dedup_cache`); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &dedup.CacheIOError{Op: "flush", Err: err}
	}

	rows := make([][]any, 0, len(entries))
	for fp, e := range entries {
		rows = append(rows, []any{fp, e.FirstSeenAt, e.LastSeenAt, e.SizeEstimate})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"rampart_dedup_cache"},
		[]string{"fingerprint", "first_seen_at", "last_seen_at", "size_estimate"},
		pgx.CopyFromRows(rows),
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &dedup.CacheIOError{Op: "flush", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &dedup.CacheIOError{Op: "flush", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}
