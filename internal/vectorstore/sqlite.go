package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/recall/internal/errs"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists collections in a single SQLite database. Similarity
// is computed in process over the candidate rows; keyword equality and id
// conditions are pushed down into SQL to narrow the scan and every condition
// is re-checked before a row is returned. Equality on a field that has only
// ever held scalars compares json_extract directly, which the field indexes
// serve; fields seen holding arrays are recorded in array_fields and matched
// element-wise through json_each.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path. The path
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	const op = "sqlite.open"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, errs.Wrap(errs.Config, op, fmt.Errorf("create db directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.Connection, op, err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL,
			distance TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS field_indexes (
			collection TEXT NOT NULL,
			field TEXT NOT NULL,
			type TEXT NOT NULL,
			PRIMARY KEY (collection, field)
		);`,
		`CREATE TABLE IF NOT EXISTS points (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			vector BLOB NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);`,
		`CREATE TABLE IF NOT EXISTS array_fields (
			collection TEXT NOT NULL,
			field TEXT NOT NULL,
			PRIMARY KEY (collection, field)
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return errs.Wrap(errs.Connection, "sqlite.init_schema", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCollection(ctx context.Context, c Collection) (bool, error) {
	const op = "sqlite.create_collection"
	if err := validateCollection(op, c); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, dimension, distance, content) VALUES (?, ?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		c.Name, c.Dimension, string(c.Distance), c.Content)
	if err != nil {
		return false, s.fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail(op, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Collection(ctx context.Context, name string) (Collection, error) {
	const op = "sqlite.collection"
	var (
		c        Collection
		distance string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, dimension, distance, content FROM collections WHERE name = ?`, name).
		Scan(&c.Name, &c.Dimension, &distance, &c.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, notFound(op, name)
	}
	if err != nil {
		return Collection{}, s.fail(op, err)
	}
	c.Distance = Distance(distance)
	return c, nil
}

func (s *SQLiteStore) CreateFieldIndex(ctx context.Context, collection, field string, typ FieldType) error {
	const op = "sqlite.create_field_index"
	if err := validateField(op, field, typ); err != nil {
		return err
	}
	if _, err := s.Collection(ctx, collection); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO field_indexes (collection, field, type) VALUES (?, ?, ?)
		 ON CONFLICT(collection, field) DO UPDATE SET type = excluded.type`,
		collection, field, string(typ)); err != nil {
		return s.fail(op, err)
	}

	// Field names are validated against a conservative pattern, so they are
	// safe to splice into the index expression. The index spans collections
	// so that a bound collection parameter can use it.
	ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON points (collection, %s)`, indexName(field), extractExpr(field))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return s.fail(op, err)
	}
	return s.fail(op, tx.Commit())
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection string, points ...Point) error {
	const op = "sqlite.upsert"
	c, err := s.Collection(ctx, collection)
	if err != nil {
		return err
	}

	type row struct {
		id      string
		vector  []byte
		payload string
	}
	rows := make([]row, 0, len(points))
	arrays := make(map[string]bool)
	for _, p := range points {
		if p.ID == "" {
			return errs.E(errs.Invalid, op, "point id is required")
		}
		if err := checkDimension(op, c, p.Vector); err != nil {
			return err
		}
		blob, err := encodeVector(p.Vector)
		if err != nil {
			return errs.Wrap(errs.Invalid, op, err)
		}
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return errs.Wrap(errs.Invalid, op, err)
		}
		rows = append(rows, row{id: p.ID, vector: blob, payload: string(raw)})
		if err := collectArrayFields(raw, arrays); err != nil {
			return errs.Wrap(errs.Invalid, op, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO points (collection, id, vector, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload`)
	if err != nil {
		return s.fail(op, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, collection, r.id, r.vector, r.payload); err != nil {
			return s.fail(op, err)
		}
	}
	for field := range arrays {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO array_fields (collection, field) VALUES (?, ?) ON CONFLICT(collection, field) DO NOTHING`,
			collection, field); err != nil {
			return s.fail(op, err)
		}
	}
	return s.fail(op, tx.Commit())
}

func (s *SQLiteStore) Search(ctx context.Context, collection string, req SearchRequest) ([]ScoredPoint, error) {
	const op = "sqlite.search"
	if err := req.Filter.validate(op); err != nil {
		return nil, err
	}
	c, err := s.Collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := validateSearch(op, c, req); err != nil {
		return nil, err
	}

	arrays, err := arrayFields(ctx, s.db, collection)
	if err != nil {
		return nil, s.fail(op, err)
	}
	where, args := pushdown(collection, req.Filter, arrays)
	rows, err := s.db.QueryContext(ctx, `SELECT id, vector, payload FROM points WHERE `+where, args...)
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer rows.Close()

	var hits []ScoredPoint
	for rows.Next() {
		p, err := scanPoint(op, rows)
		if err != nil {
			return nil, err
		}
		if !req.Filter.Matches(p.ID, p.Payload) {
			continue
		}
		score := Score(c.Distance, req.Vector, p.Vector)
		if score < req.ScoreThreshold {
			continue
		}
		hits = append(hits, ScoredPoint{ID: p.ID, Score: score, Payload: p.Payload})
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(op, err)
	}
	return rank(hits, req.Limit), nil
}

func (s *SQLiteStore) Scroll(ctx context.Context, collection string, req ScrollRequest) (ScrollPage, error) {
	const op = "sqlite.scroll"
	if req.Limit < 1 {
		return ScrollPage{}, errs.E(errs.Invalid, op, "limit must be at least 1, got %d", req.Limit)
	}
	if err := req.Filter.validate(op); err != nil {
		return ScrollPage{}, err
	}
	if _, err := s.Collection(ctx, collection); err != nil {
		return ScrollPage{}, err
	}

	arrays, err := arrayFields(ctx, s.db, collection)
	if err != nil {
		return ScrollPage{}, s.fail(op, err)
	}
	where, args := pushdown(collection, req.Filter, arrays)
	where += " AND id >= ? ORDER BY id"
	args = append(args, req.Offset)

	rows, err := s.db.QueryContext(ctx, `SELECT id, vector, payload FROM points WHERE `+where, args...)
	if err != nil {
		return ScrollPage{}, s.fail(op, err)
	}
	defer rows.Close()

	var page ScrollPage
	for rows.Next() {
		p, err := scanPoint(op, rows)
		if err != nil {
			return ScrollPage{}, err
		}
		if !req.Filter.Matches(p.ID, p.Payload) {
			continue
		}
		if len(page.Points) == req.Limit {
			page.NextOffset = p.ID
			break
		}
		page.Points = append(page.Points, p)
	}
	if err := rows.Err(); err != nil {
		return ScrollPage{}, s.fail(op, err)
	}
	return page, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection string, filter Filter) (int, error) {
	const op = "sqlite.delete"
	if err := filter.validate(op); err != nil {
		return 0, err
	}
	if _, err := s.Collection(ctx, collection); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.fail(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	arrays, err := arrayFields(ctx, tx, collection)
	if err != nil {
		return 0, s.fail(op, err)
	}
	where, args := pushdown(collection, &filter, arrays)
	rows, err := tx.QueryContext(ctx, `SELECT id, vector, payload FROM points WHERE `+where, args...)
	if err != nil {
		return 0, s.fail(op, err)
	}
	var doomed []string
	for rows.Next() {
		p, err := scanPoint(op, rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if filter.Matches(p.ID, p.Payload) {
			doomed = append(doomed, p.ID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, s.fail(op, err)
	}
	rows.Close()

	for _, id := range doomed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM points WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return 0, s.fail(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, s.fail(op, err)
	}
	return len(doomed), nil
}

// pushdown renders the SQL-expressible part of f. The result selects a
// superset of the matching rows. arrays holds the fields that have carried
// array values in this collection.
func pushdown(collection string, f *Filter, arrays map[string]bool) (string, []any) {
	clauses := []string{"collection = ?"}
	args := []any{collection}
	if f == nil {
		return clauses[0], args
	}
	for _, c := range f.Must {
		switch {
		case c.HasID != nil:
			if len(c.HasID) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			marks := strings.Repeat("?,", len(c.HasID))
			clauses = append(clauses, "id IN ("+marks[:len(marks)-1]+")")
			for _, id := range c.HasID {
				args = append(args, id)
			}
		case c.Match != nil && c.Match.Any == nil:
			str, ok := c.Match.Value.(string)
			if !ok || !fieldName.MatchString(c.Key) {
				continue
			}
			if arrays[c.Key] || strings.Contains(c.Key, ".") {
				clauses = append(clauses, fmt.Sprintf(
					"EXISTS (SELECT 1 FROM json_each(points.payload, '$.%s') WHERE json_each.type <> 'text' OR json_each.value = ?)", c.Key))
			} else {
				clauses = append(clauses, extractExpr(c.Key)+" = ?")
			}
			args = append(args, str)
		}
	}
	return strings.Join(clauses, " AND "), args
}

func indexName(field string) string {
	return fmt.Sprintf(`"idx_points_%s"`, strings.ReplaceAll(field, ".", "_"))
}

// extractExpr must read the same in the index definition and in the
// pushed-down condition for the planner to match them.
func extractExpr(field string) string {
	return fmt.Sprintf("json_extract(payload, '$.%s')", field)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func arrayFields(ctx context.Context, q querier, collection string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT field FROM array_fields WHERE collection = ?`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out[f] = true
	}
	return out, rows.Err()
}

// collectArrayFields adds the top-level keys of an encoded payload whose
// values are JSON arrays.
func collectArrayFields(raw []byte, into map[string]bool) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	for k, v := range fields {
		if len(v) > 0 && v[0] == '[' {
			into[k] = true
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(op string, r rowScanner) (Point, error) {
	var (
		p       Point
		blob    []byte
		payload string
	)
	if err := r.Scan(&p.ID, &blob, &payload); err != nil {
		return Point{}, errs.Wrap(errs.Connection, op, err)
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return Point{}, errs.Wrap(errs.Malformed, op, err)
	}
	p.Vector = vec
	if p.Payload, err = decodePayload(op, []byte(payload)); err != nil {
		return Point{}, err
	}
	return p, nil
}

// fail classifies a database error. SQLite failures mean the store file is
// unusable, which callers treat like an unreachable service.
func (s *SQLiteStore) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Transport(op, err)
	}
	return errs.Wrap(errs.Connection, op, err)
}
