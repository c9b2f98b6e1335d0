package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/hazyhaar/jsonview/dbopen"
	"github.com/hazyhaar/jsonview/workerrpc"
)

// Worker method names shared by Backend and Engine.
const (
	methodInit = "init"
	methodExec = "exec"
)

type execRequest struct {
	SQL     string `json:"sql"`
	Bind    []any  `json:"bind,omitempty"`
	GetData bool   `json:"getData"`
}

type execResponse struct {
	Data []map[string]any `json:"data,omitempty"`
}

// Backend is the worker side of the persistence engine: it owns the SQLite
// handle and is the only code in the process allowed to touch it. All access
// arrives as workerrpc messages and runs on the worker goroutine, one
// statement at a time.
type Backend struct {
	path   string
	open   []dbopen.Option
	logger *slog.Logger

	db *sql.DB // nil until the first init request
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithBackendLogger sets a custom logger.
func WithBackendLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// WithOpenOptions passes options through to dbopen.Open when the database is
// first opened.
func WithOpenOptions(opts ...dbopen.Option) BackendOption {
	return func(b *Backend) { b.open = opts }
}

// NewBackend creates a Backend for the database at path. The database is not
// opened until the first "init" request arrives on the worker.
func NewBackend(path string, opts ...BackendOption) *Backend {
	b := &Backend{path: path, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register installs the persistence methods on w.
func (b *Backend) Register(w *workerrpc.Worker) {
	w.Handle(methodInit, b.handleInit)
	w.Handle(methodExec, b.handleExec)
}

// Close closes the database if it was opened.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// handleInit opens the database. Idempotent: repeat init requests are no-ops.
// No locking needed, the worker loop is sequential.
func (b *Backend) handleInit(_ context.Context, _ []byte) ([]byte, error) {
	if b.db != nil {
		return []byte(`{}`), nil
	}
	db, err := dbopen.Open(b.path, b.open...)
	if err != nil {
		return nil, err
	}
	b.db = db
	b.logger.Info("engine: database opened", "path", b.path)
	return []byte(`{}`), nil
}

func (b *Backend) handleExec(ctx context.Context, payload []byte) ([]byte, error) {
	if b.db == nil {
		return nil, fmt.Errorf("exec before init")
	}

	var req execRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode exec request: %w", err)
	}
	bind := normalizeBind(req.Bind)

	if !req.GetData {
		if _, err := b.db.ExecContext(ctx, req.SQL, bind...); err != nil {
			return nil, err
		}
		return json.Marshal(execResponse{})
	}

	rows, err := b.db.QueryContext(ctx, req.SQL, bind...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var data []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if raw, ok := values[i].([]byte); ok {
				row[col] = string(raw)
			} else {
				row[col] = values[i]
			}
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(execResponse{Data: data})
}

// normalizeBind undoes the JSON number widening on bind values: integral
// float64s become int64 so INTEGER columns keep integer affinity.
func normalizeBind(bind []any) []any {
	out := make([]any, len(bind))
	for i, v := range bind {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
			out[i] = int64(f)
			continue
		}
		out[i] = v
	}
	return out
}
