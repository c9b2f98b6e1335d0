// Package engine is the persistence engine of jsonview: a minimal SQL
// execution surface whose storage I/O lives entirely on the worker goroutine.
//
// The split mirrors a web worker boundary. Engine is the caller-side API —
// asynchronous, schema-agnostic, memoized initialization. Backend is the
// worker-side owner of the *sql.DB; it never shares the handle, so the
// sequential worker loop is the only lock the store needs.
//
// On Init the engine ensures the migrations ledger table exists, then applies
// every migration not yet recorded, in declaration order, recording each name
// immediately after its step completes. A failing step aborts Init and stays
// unrecorded, so the next process run re-attempts it.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/hazyhaar/jsonview/workerrpc"
)

// Migration is one named, idempotent-by-construction schema step.
type Migration struct {
	Name string
	Run  func(ctx context.Context, exec func(ctx context.Context, sql string) error) error
}

// Row is one validated result row.
type Row map[string]any

// Kind constrains a column value in a RowSpec.
type Kind int

const (
	// KindText requires a non-null string.
	KindText Kind = iota
	// KindNullText allows a string or NULL.
	KindNullText
	// KindInt requires a non-null integer.
	KindInt
)

// RowSpec maps column names to the value kind the caller expects. Every
// listed column must be present and well-typed in every returned row;
// anything else aborts the query with ErrSchemaMismatch.
type RowSpec map[string]Kind

// Engine executes statements against the worker-owned store.
type Engine struct {
	client     *workerrpc.Client
	migrations []Migration
	logger     *slog.Logger

	initOnce sync.Once
	initErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine over client. Migrations are applied by Init in the
// order given.
func New(client *workerrpc.Client, migrations []Migration, opts ...Option) *Engine {
	e := &Engine{client: client, migrations: migrations, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Init opens the store and applies pending migrations. Memoized: only the
// first call does work, every later call (from any call site) returns the
// same outcome. Exec and Query call it implicitly.
func (e *Engine) Init(ctx context.Context) error {
	e.initOnce.Do(func() {
		e.initErr = e.initialize(ctx)
	})
	return e.initErr
}

func (e *Engine) initialize(ctx context.Context) error {
	if _, err := e.call(ctx, methodInit, nil); err != nil {
		return fmt.Errorf("engine: init: %w", err)
	}

	if err := e.rawExec(ctx, `create table if not exists migrations(name text)`); err != nil {
		return fmt.Errorf("engine: migrations ledger: %w", err)
	}

	for _, m := range e.migrations {
		applied, err := e.migrationApplied(ctx, m.Name)
		if err != nil {
			return fmt.Errorf("engine: migration ledger read: %w", err)
		}
		if applied {
			continue
		}

		e.logger.Info("engine: running migration", "name", m.Name)
		exec := func(ctx context.Context, sql string) error {
			return e.rawExec(ctx, sql)
		}
		if err := m.Run(ctx, exec); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMigration, m.Name, err)
		}
		if err := e.rawExec(ctx, `insert into migrations (name) values (?)`, m.Name); err != nil {
			return fmt.Errorf("engine: record migration %s: %w", m.Name, err)
		}
	}
	return nil
}

func (e *Engine) migrationApplied(ctx context.Context, name string) (bool, error) {
	rows, err := e.rawQuery(ctx, `select count(*) as count from migrations where name = ?`, name)
	if err != nil {
		return false, err
	}
	if len(rows) != 1 {
		return false, fmt.Errorf("count query returned %d rows", len(rows))
	}
	count, ok := rows[0]["count"].(float64)
	if !ok {
		return false, fmt.Errorf("%w: count is %T", ErrSchemaMismatch, rows[0]["count"])
	}
	return count > 0, nil
}

// Exec runs one statement that returns no rows.
func (e *Engine) Exec(ctx context.Context, sql string, bind ...any) error {
	if err := e.Init(ctx); err != nil {
		return err
	}
	return e.rawExec(ctx, sql, bind...)
}

// Query runs one statement and returns its rows, each validated against spec.
// Any row failing validation aborts the whole call with ErrSchemaMismatch.
func (e *Engine) Query(ctx context.Context, sql string, spec RowSpec, bind ...any) ([]Row, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	raw, err := e.rawQuery(ctx, sql, bind...)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(raw))
	for _, r := range raw {
		row, err := spec.validate(r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (e *Engine) rawExec(ctx context.Context, sql string, bind ...any) error {
	_, err := e.call(ctx, methodExec, &execRequest{SQL: sql, Bind: bind})
	return err
}

func (e *Engine) rawQuery(ctx context.Context, sql string, bind ...any) ([]map[string]any, error) {
	value, err := e.call(ctx, methodExec, &execRequest{SQL: sql, Bind: bind, GetData: true})
	if err != nil {
		return nil, err
	}
	var resp execResponse
	if err := json.Unmarshal(value, &resp); err != nil {
		return nil, fmt.Errorf("engine: decode exec response: %w", err)
	}
	return resp.Data, nil
}

func (e *Engine) call(ctx context.Context, method string, req any) ([]byte, error) {
	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("engine: marshal %s request: %w", method, err)
		}
	}
	return e.client.Call(ctx, method, payload)
}

func (spec RowSpec) validate(raw map[string]any) (Row, error) {
	row := make(Row, len(spec))
	for col, kind := range spec {
		v, ok := raw[col]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrSchemaMismatch, col)
		}
		switch kind {
		case KindText:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: column %q = %T, want text", ErrSchemaMismatch, col, v)
			}
			row[col] = s
		case KindNullText:
			if v == nil {
				row[col] = nil
				break
			}
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: column %q = %T, want text or null", ErrSchemaMismatch, col, v)
			}
			row[col] = s
		case KindInt:
			f, ok := v.(float64)
			if !ok || f != math.Trunc(f) {
				return nil, fmt.Errorf("%w: column %q = %v, want integer", ErrSchemaMismatch, col, v)
			}
			row[col] = int64(f)
		default:
			return nil, fmt.Errorf("%w: unknown kind for column %q", ErrSchemaMismatch, col)
		}
	}
	return row, nil
}
