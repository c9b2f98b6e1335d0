// Package checkpoint is the domain store for document snapshots.
//
// A checkpoint is a content-addressed snapshot of the document text: the
// primary key is the identity digest of the canonicalized content, so
// semantically-equal documents collapse to one row and re-saving equal
// content updates the existing row in place instead of inserting a new one.
//
// The package owns the checkpoint schema and its migration list; the engine
// underneath is schema-agnostic. Writes emit a "change" signal to live
// subscribers, which are expected to re-fetch via List.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/jsonview/engine"
	"github.com/hazyhaar/jsonview/identity"
)

// Source is the provenance of a checkpoint.
type Source string

const (
	// SourcePaste marks checkpoints created automatically on paste/import.
	SourcePaste Source = "paste"
	// SourceManual marks checkpoints the user saved explicitly.
	SourceManual Source = "manual"
)

func (s Source) valid() bool { return s == SourcePaste || s == SourceManual }

// Direction selects a chronological neighbor for Sibling.
type Direction string

const (
	// Earlier walks to the next-older checkpoint.
	Earlier Direction = "earlier"
	// Later walks to the next-newer checkpoint.
	Later Direction = "later"
)

// Checkpoint is one persisted snapshot.
type Checkpoint struct {
	Hash    string
	Date    time.Time
	Name    string // empty = unnamed
	Content string // raw text exactly as supplied, not the canonical form
	Source  Source
}

// Filter restricts List results. Zero values mean "no restriction";
// both restrictions combine with AND.
type Filter struct {
	Source Source // exact source match
	Query  string // case-insensitive content substring
}

// Migrations is the checkpoint schema's migration list, applied by
// engine.Init in this order.
func Migrations() []engine.Migration {
	step := func(sql string) func(context.Context, func(context.Context, string) error) error {
		return func(ctx context.Context, exec func(context.Context, string) error) error {
			return exec(ctx, sql)
		}
	}
	return []engine.Migration{
		{
			Name: "create_checkpoint_table",
			Run: step(`
				create table checkpoint(
					hash text not null primary key,
					date integer not null,
					name text,
					content text not null,
					source text not null
				)
			`),
		},
		{
			Name: "create_checkpoint_date_index",
			Run:  step(`create index idx_checkpoint_date on checkpoint(date desc)`),
		},
	}
}

var rowSpec = engine.RowSpec{
	"hash":    engine.KindText,
	"date":    engine.KindInt,
	"name":    engine.KindNullText,
	"content": engine.KindText,
	"source":  engine.KindText,
}

// Store exposes the checkpoint operations over the persistence engine.
type Store struct {
	eng    *engine.Engine
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store over eng. eng must have been constructed with
// Migrations() so the schema exists by first use.
func New(eng *engine.Engine, opts ...Option) *Store {
	s := &Store{
		eng:    eng,
		now:    time.Now,
		logger: slog.Default(),
		subs:   make(map[chan struct{}]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert stores a snapshot of content. Insert-or-update keyed by the content
// identity: equal canonical content overwrites date, content and source of
// the existing row. Emits a change signal after the write completes.
func (s *Store) Upsert(ctx context.Context, content string, source Source) error {
	if !source.valid() {
		return fmt.Errorf("%w: source %q", ErrInvalidInput, source)
	}

	// https://www.sqlite.org/lang_upsert.html
	err := s.eng.Exec(ctx, `
		insert into checkpoint(hash, date, content, source) values (?, ?, ?, ?)
		on conflict(hash) do update set date = excluded.date, content = excluded.content, source = excluded.source`,
		identity.Digest(content), s.now().Unix(), content, string(source))
	if err != nil {
		return fmt.Errorf("checkpoint: upsert: %w", err)
	}
	s.notify()
	return nil
}

// Rename sets or clears (name == "") the label of a checkpoint. Renaming a
// hash that does not exist updates zero rows and is not an error.
func (s *Store) Rename(ctx context.Context, hash, name string) error {
	var bound any
	if name != "" {
		bound = name
	}
	if err := s.eng.Exec(ctx, `update checkpoint set name = ? where hash = ?`, bound, hash); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	s.notify()
	return nil
}

// List returns checkpoints matching f, most recent first. Ties on date keep
// storage order.
func (s *Store) List(ctx context.Context, f Filter) ([]Checkpoint, error) {
	var (
		where []string
		bind  []any
	)
	if f.Source != "" {
		if !f.Source.valid() {
			return nil, fmt.Errorf("%w: source filter %q", ErrInvalidInput, f.Source)
		}
		where = append(where, `source = ?`)
		bind = append(bind, string(f.Source))
	}
	if f.Query != "" {
		where = append(where, `instr(lower(content), lower(?)) > 0`)
		bind = append(bind, f.Query)
	}

	sql := `select hash, date, name, content, source from checkpoint`
	if len(where) > 0 {
		sql += ` where ` + strings.Join(where, ` and `)
	}
	sql += ` order by date desc`

	rows, err := s.eng.Query(ctx, sql, rowSpec, bind...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}

	out := make([]Checkpoint, 0, len(rows))
	for _, r := range rows {
		cp, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Latest returns the single most recent checkpoint, or nil on an empty store.
func (s *Store) Latest(ctx context.Context) (*Checkpoint, error) {
	rows, err := s.eng.Query(ctx,
		`select hash, date, name, content, source from checkpoint order by date desc limit 1`, rowSpec)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: latest: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cp, err := fromRow(rows[0])
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Sibling returns the chronological neighbor of the checkpoint with the given
// hash: the next-older row for Earlier, the next-newer for Later, walking the
// full unfiltered date-descending ordering. Nil when the neighbor does not
// exist (first/last).
//
// When hash matches no stored checkpoint — the live document has unsaved
// changes — Earlier falls back to the latest checkpoint so the user can still
// step into history; Later stays nil.
func (s *Store) Sibling(ctx context.Context, hash string, dir Direction) (*Checkpoint, error) {
	if dir != Earlier && dir != Later {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidInput, dir)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range all {
		if all[i].Hash == hash {
			idx = i
			break
		}
	}
	if idx == -1 {
		if dir == Earlier && len(all) > 0 {
			return &all[0], nil
		}
		return nil, nil
	}

	var n int
	if dir == Earlier {
		n = idx + 1
	} else {
		n = idx - 1
	}
	if n < 0 || n >= len(all) {
		return nil, nil
	}
	return &all[n], nil
}

// Exists reports whether a checkpoint with the given hash is stored.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	rows, err := s.eng.Query(ctx,
		`select count(*) as count from checkpoint where hash = ?`,
		engine.RowSpec{"count": engine.KindInt}, hash)
	if err != nil {
		return false, fmt.Errorf("checkpoint: exists: %w", err)
	}
	if len(rows) != 1 {
		return false, fmt.Errorf("checkpoint: exists: count query returned %d rows", len(rows))
	}
	return rows[0]["count"].(int64) > 0, nil
}

// Cleanup deletes checkpoints older than retention, keeping the most recent
// row regardless of age. Returns the number of rows removed. A retention of
// zero (the default configuration) never deletes anything.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention).Unix()

	rows, err := s.eng.Query(ctx, `
		select count(*) as count from checkpoint
		where date < ? and hash <> (select hash from checkpoint order by date desc limit 1)`,
		engine.RowSpec{"count": engine.KindInt}, cutoff)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: cleanup count: %w", err)
	}
	doomed := int(rows[0]["count"].(int64))
	if doomed == 0 {
		return 0, nil
	}

	err = s.eng.Exec(ctx, `
		delete from checkpoint
		where date < ? and hash <> (select hash from checkpoint order by date desc limit 1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: cleanup: %w", err)
	}
	s.logger.Info("checkpoint: retention cleanup", "deleted", doomed)
	s.notify()
	return doomed, nil
}

// Subscribe registers a change listener. The channel receives one (coalesced)
// signal after any completed write. The returned cancel unregisters it.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default: // already signalled, listener will re-fetch anyway
		}
	}
}

func fromRow(r engine.Row) (Checkpoint, error) {
	src := Source(r["source"].(string))
	if !src.valid() {
		return Checkpoint{}, fmt.Errorf("%w: unknown source %q", engine.ErrSchemaMismatch, src)
	}
	var name string
	if v := r["name"]; v != nil {
		name = v.(string)
	}
	return Checkpoint{
		Hash:    r["hash"].(string),
		Date:    time.Unix(r["date"].(int64), 0),
		Name:    name,
		Content: r["content"].(string),
		Source:  src,
	}, nil
}
