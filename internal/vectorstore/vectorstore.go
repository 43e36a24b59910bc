// Package vectorstore defines the Vector Index Store contract the engines run
// against, together with two implementations that need no external service:
// MemoryStore (in-process) and SQLiteStore (single database file).
//
// A collection is a named namespace with a fixed vector dimension and
// distance metric. Points are stored with a JSON payload; payload fields used
// in filters should be declared with CreateFieldIndex at setup time.
package vectorstore

import (
	"context"
	"regexp"
	"strings"

	"github.com/felixgeelhaar/recall/internal/errs"
)

// Distance is the metric a collection ranks by.
type Distance string

const (
	Cosine Distance = "cosine"
	Euclid Distance = "euclid"
	Dot    Distance = "dot"
)

// ParseDistance maps a user supplied metric name to a Distance.
func ParseDistance(s string) (Distance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return Cosine, nil
	case "euclid", "euclidean", "l2":
		return Euclid, nil
	case "dot", "inner_product":
		return Dot, nil
	}
	return "", errs.E(errs.Config, "vectorstore.distance", "unknown distance metric %q (use cosine, euclid or dot)", s)
}

// FieldType is the schema of a payload field index.
type FieldType string

const (
	Keyword  FieldType = "keyword"
	Integer  FieldType = "integer"
	Float    FieldType = "float"
	Bool     FieldType = "bool"
	Datetime FieldType = "datetime"
	Text     FieldType = "text"
)

// Collection describes a namespace of points.
type Collection struct {
	Name      string
	Dimension int
	Distance  Distance
	// Content is "cache", "memory" or empty for an untyped collection.
	Content string
}

// Payload is the structured data attached to a point.
type Payload map[string]any

// Point is a vector with its id and payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a search hit. Higher scores are more similar for every
// distance metric.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload Payload
}

// SearchRequest is a similarity query against one collection.
type SearchRequest struct {
	Vector         []float32
	Limit          int
	ScoreThreshold float32
	// Filter is nil for a pure similarity search.
	Filter *Filter
}

// ScrollRequest enumerates points in id order without ranking.
type ScrollRequest struct {
	Filter *Filter
	Limit  int
	// Offset is the id to resume from, as returned in ScrollPage.NextOffset.
	Offset string
}

// ScrollPage is one page of a scroll.
type ScrollPage struct {
	Points []Point
	// NextOffset is empty when there are no further points.
	NextOffset string
}

// Store is the Vector Index Store contract.
type Store interface {
	// CreateCollection creates a collection. It reports created=false
	// without error when a collection of that name already exists.
	CreateCollection(ctx context.Context, c Collection) (created bool, err error)

	// Collection returns the collection's definition, or an errs.NotFound
	// error when it does not exist.
	Collection(ctx context.Context, name string) (Collection, error)

	// CreateFieldIndex declares a payload field as filterable. Idempotent.
	CreateFieldIndex(ctx context.Context, collection, field string, typ FieldType) error

	// Upsert inserts or overwrites points by id.
	Upsert(ctx context.Context, collection string, points ...Point) error

	// Search returns up to req.Limit points scoring at least
	// req.ScoreThreshold, best first.
	Search(ctx context.Context, collection string, req SearchRequest) ([]ScoredPoint, error)

	// Scroll enumerates points matching req.Filter in id order.
	Scroll(ctx context.Context, collection string, req ScrollRequest) (ScrollPage, error)

	// Delete removes every point matching filter and reports how many were
	// removed. The deletion is atomic.
	Delete(ctx context.Context, collection string, filter Filter) (int, error)

	// Close releases resources.
	Close() error
}

var (
	collectionName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	fieldName      = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.]{0,63}$`)
)

func validateCollection(op string, c Collection) error {
	if err := validateName(op, c.Name); err != nil {
		return err
	}
	if c.Dimension <= 0 {
		return errs.E(errs.Config, op, "collection %s: dimension must be positive, got %d", c.Name, c.Dimension)
	}
	switch c.Distance {
	case Cosine, Euclid, Dot:
	default:
		return errs.E(errs.Config, op, "collection %s: unknown distance %q", c.Name, c.Distance)
	}
	return nil
}

func validateName(op, name string) error {
	if !collectionName.MatchString(name) {
		return errs.E(errs.Invalid, op, "invalid collection name %q", name)
	}
	return nil
}

func validateField(op, field string, typ FieldType) error {
	if !fieldName.MatchString(field) {
		return errs.E(errs.Invalid, op, "invalid field name %q", field)
	}
	switch typ {
	case Keyword, Integer, Float, Bool, Datetime, Text:
		return nil
	}
	return errs.E(errs.Invalid, op, "unknown field type %q", typ)
}

func validateSearch(op string, c Collection, req SearchRequest) error {
	if req.Limit < 1 {
		return errs.E(errs.Invalid, op, "limit must be at least 1, got %d", req.Limit)
	}
	return checkDimension(op, c, req.Vector)
}

func checkDimension(op string, c Collection, vec []float32) error {
	if len(vec) != c.Dimension {
		return errs.E(errs.Config, op, "dimension mismatch for collection %s: got %d want %d", c.Name, len(vec), c.Dimension)
	}
	return nil
}

func notFound(op, name string) error {
	return errs.E(errs.NotFound, op, "collection %s does not exist", name)
}
