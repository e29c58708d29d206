// Package sqlite is the server's rowstore.Client, backed by modernc sqlite.
//
// Writes are serialized and publish their change events to a changefeed in
// commit order; Subscribe reads from the same feed.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/listenupapp/cartshare/internal/changefeed"
	"github.com/listenupapp/cartshare/internal/clock"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/metrics"
	"github.com/listenupapp/cartshare/internal/rowstore"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed row storage.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	feed    *changefeed.Feed
	metrics *metrics.Metrics
	clock   clock.Clock

	// writeMu orders commits and their publication.
	writeMu sync.Mutex
}

var (
	_ rowstore.Client      = (*Store)(nil)
	_ rowstore.Conditional = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithFeed publishes changes to feed instead of a private one.
func WithFeed(feed *changefeed.Feed) Option {
	return func(s *Store) { s.feed = feed }
}

// WithMetrics records operation counts and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock sets the clock used for server-assigned timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open creates a store at path, configuring WAL mode and running migrations.
func Open(path string, log *slog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	version, err := migrateUp(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger.OrDiscard(log)}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	if s.feed == nil {
		s.feed = changefeed.New(s.logger, changefeed.WithMetrics(s.metrics))
	}

	s.logger.Info("row store opened", slog.String("path", path), slog.Uint64("schema_version", uint64(version)))
	return s, nil
}

// dsn applies the pragmas on every pooled connection.
func dsn(path string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Feed returns the change feed this store publishes to.
func (s *Store) Feed() *changefeed.Feed {
	return s.feed
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Select returns the rows matching filter.
func (s *Store) Select(ctx context.Context, collection rowstore.Collection, filter rowstore.Filter) (rows []rowstore.Row, err error) {
	defer s.observe(collection, "select", time.Now(), &err)

	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}
	rows, err = s.query(ctx, s.db, t, filter)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert stores rows, assigning ids and created_at when absent. All rows are
// written in one transaction.
func (s *Store) Insert(ctx context.Context, collection rowstore.Collection, rows ...rowstore.Row) (inserted []rowstore.Row, err error) {
	defer s.observe(collection, "insert", time.Now(), &err)

	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin insert")
	}
	defer tx.Rollback()

	now := formatTime(s.clock.Now())
	for _, r := range rows {
		row := r.Clone()
		if row.ID() == "" {
			row["id"] = rowstore.NewID(collection)
		}
		if _, ok := row["created_at"]; !ok {
			row["created_at"] = now
		}
		if t.touch {
			row["updated_at"] = now
		}

		cols, args, err := t.assignments(row)
		if err != nil {
			return nil, err
		}
		dcols, dargs := t.derived(row)
		cols = append(cols, dcols...)
		args = append(args, dargs...)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(cols, ", "), placeholders)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, classify(err, fmt.Sprintf("insert into %s", collection))
		}

		stored, err := s.query(ctx, tx, t, rowstore.Eq("id", row.ID()))
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, stored...)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit insert")
	}

	for _, row := range inserted {
		s.feed.Publish(rowstore.Change{Collection: collection, Kind: rowstore.Inserted, After: row.Clone()})
	}
	return inserted, nil
}

// Update patches every row matching filter.
func (s *Store) Update(ctx context.Context, collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) error {
	_, err := s.UpdateIf(ctx, collection, patch, filter)
	return err
}

// UpdateIf patches every row matching filter and reports how many matched.
// The read and the write share one transaction, so a filter on the current
// value acts as a compare-and-swap.
func (s *Store) UpdateIf(ctx context.Context, collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) (n int, err error) {
	defer s.observe(collection, "update", time.Now(), &err)

	t, err := lookupTable(collection)
	if err != nil {
		return 0, err
	}
	if _, ok := patch["id"]; ok {
		return 0, domainerrors.Invalid("id cannot be patched")
	}
	if len(patch) == 0 {
		return 0, domainerrors.Invalid("empty patch")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err, "begin update")
	}
	defer tx.Rollback()

	before, err := s.query(ctx, tx, t, filter)
	if err != nil {
		return 0, err
	}

	now := formatTime(s.clock.Now())
	changes := make([]rowstore.Change, 0, len(before))
	for _, row := range before {
		after := row.Clone()
		for k, v := range patch {
			after[k] = rowstore.Normalize(v)
		}
		if t.touch {
			after["updated_at"] = now
		}

		set := make(rowstore.Row, len(patch)+1)
		for k, v := range patch {
			set[k] = v
		}
		if t.touch {
			set["updated_at"] = now
		}
		cols, args, err := t.assignments(set)
		if err != nil {
			return 0, err
		}
		dcols, dargs := t.derived(after)
		cols = append(cols, dcols...)
		args = append(args, dargs...)

		assign := make([]string, len(cols))
		for i, c := range cols {
			assign[i] = c + " = ?"
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.name, strings.Join(assign, ", "))
		if _, err := tx.ExecContext(ctx, query, append(args, row.ID())...); err != nil {
			return 0, classify(err, fmt.Sprintf("update %s", collection))
		}

		stored, err := s.query(ctx, tx, t, rowstore.Eq("id", row.ID()))
		if err != nil {
			return 0, err
		}
		if len(stored) == 1 {
			changes = append(changes, rowstore.Change{Collection: collection, Kind: rowstore.Updated, Before: row, After: stored[0]})
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err, "commit update")
	}

	for _, c := range changes {
		s.feed.Publish(c)
	}
	return len(changes), nil
}

// Delete removes every row matching filter.
func (s *Store) Delete(ctx context.Context, collection rowstore.Collection, filter rowstore.Filter) (err error) {
	defer s.observe(collection, "delete", time.Now(), &err)

	t, err := lookupTable(collection)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin delete")
	}
	defer tx.Rollback()

	before, err := s.query(ctx, tx, t, filter)
	if err != nil {
		return err
	}
	for _, row := range before {
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.name)
		if _, err := tx.ExecContext(ctx, query, row.ID()); err != nil {
			return classify(err, fmt.Sprintf("delete from %s", collection))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit delete")
	}

	for _, row := range before {
		s.feed.Publish(rowstore.Change{Collection: collection, Kind: rowstore.Deleted, Before: row})
	}
	return nil
}

// Subscribe registers h for committed changes on collection matching filter.
func (s *Store) Subscribe(_ context.Context, collection rowstore.Collection, filter rowstore.Filter, h rowstore.Handler) (rowstore.Subscription, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}
	for _, cond := range filter.Conditions {
		if _, err := t.column(cond.Field); err != nil {
			return nil, err
		}
	}
	return s.feed.Subscribe(collection, filter, h)
}

// Unsubscribe releases a subscription.
func (s *Store) Unsubscribe(sub rowstore.Subscription) error {
	return s.feed.Unsubscribe(sub)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) query(ctx context.Context, q querier, t *table, filter rowstore.Filter) ([]rowstore.Row, error) {
	where, args, err := t.where(filter)
	if err != nil {
		return nil, err
	}
	tail, err := t.orderLimit(filter)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s%s", t.selectList(), t.name, where, tail)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("select from %s", t.name))
	}
	defer rows.Close()

	var out []rowstore.Row
	for rows.Next() {
		values := make([]any, len(t.columns))
		dest := make([]any, len(t.columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classify(err, fmt.Sprintf("scan %s", t.name))
		}
		row := make(rowstore.Row, len(t.columns))
		for i, c := range t.columns {
			row[c.name] = c.decode(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, fmt.Sprintf("iterate %s", t.name))
	}
	return out, nil
}

// assignments encodes the columns present in row. Unknown columns are
// rejected.
func (t *table) assignments(row rowstore.Row) ([]string, []any, error) {
	for k := range row {
		if _, ok := t.byName[k]; !ok {
			return nil, nil, domainerrors.Invalidf("%s has no column %q", t.name, k)
		}
	}
	cols := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, c := range t.columns {
		v, ok := row[c.name]
		if !ok {
			continue
		}
		encoded, err := c.encode(v)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, quote(c.name))
		args = append(args, encoded)
	}
	return cols, args, nil
}

// derived computes the hidden columns for a full row image.
func (t *table) derived(row rowstore.Row) ([]string, []any) {
	if t.derive == nil {
		return nil, nil
	}
	values := t.derive(row)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = quote(k)
		args[i] = values[k]
	}
	return cols, args
}

func (s *Store) observe(collection rowstore.Collection, op string, start time.Time, errp *error) {
	s.metrics.ObserveStoreOp(string(collection), op, start, *errp)
}

// classify maps sqlite failures onto the error taxonomy.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	text := err.Error()
	switch {
	case strings.Contains(text, "UNIQUE constraint failed"):
		return domainerrors.Wrap(err, domainerrors.CodeConflict, msg)
	case strings.Contains(text, "FOREIGN KEY constraint failed"):
		return domainerrors.Wrap(err, domainerrors.CodeConflict, msg)
	case strings.Contains(text, "NOT NULL constraint failed"), strings.Contains(text, "CHECK constraint failed"):
		return domainerrors.Wrap(err, domainerrors.CodeInvalid, msg)
	case strings.Contains(text, "database is locked"), strings.Contains(text, "SQLITE_BUSY"):
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, msg)
	default:
		return domainerrors.Classify(err, msg)
	}
}
