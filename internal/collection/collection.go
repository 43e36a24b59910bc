// Package collection prepares vector store collections: it creates them with
// the standard payload indexes and verifies that an existing collection fits
// the embedding provider in use.
package collection

import (
	"context"

	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/vectorstore"
)

// Content kinds.
const (
	Cache  = "cache"
	Memory = "memory"
)

// Status of an Ensure call.
type Status string

const (
	Created Status = "created"
	Exists  Status = "exists"
)

// Spec describes a collection to set up.
type Spec struct {
	Name      string
	Dimension int
	Distance  vectorstore.Distance
	Content   string
}

// Index is a payload field index.
type Index struct {
	Field string
	Type  vectorstore.FieldType
}

// StandardIndexes are declared on every collection.
var StandardIndexes = []Index{
	{"type", vectorstore.Keyword},
	{"project", vectorstore.Keyword},
	{"timestamp", vectorstore.Datetime},
	{"tags", vectorstore.Keyword},
	{"model", vectorstore.Keyword},
	{"token_count", vectorstore.Integer},
}

// Ensure creates the collection and its standard indexes. An existing
// collection is verified against spec instead.
func Ensure(ctx context.Context, store vectorstore.Store, spec Spec) (Status, error) {
	if spec.Distance == "" {
		spec.Distance = vectorstore.Cosine
	}
	created, err := store.CreateCollection(ctx, vectorstore.Collection{
		Name:      spec.Name,
		Dimension: spec.Dimension,
		Distance:  spec.Distance,
		Content:   spec.Content,
	})
	if err != nil {
		return "", err
	}

	status := Created
	if !created {
		status = Exists
		if _, err := Verify(ctx, store, spec.Name, spec.Dimension, spec.Content); err != nil {
			return status, err
		}
	}

	for _, idx := range StandardIndexes {
		if err := store.CreateFieldIndex(ctx, spec.Name, idx.Field, idx.Type); err != nil {
			return status, err
		}
	}
	return status, nil
}

// Verify loads a collection and checks it can take vectors of dimension
// holding content of the given kind. Untyped collections accept any kind.
func Verify(ctx context.Context, store vectorstore.Store, name string, dimension int, content string) (vectorstore.Collection, error) {
	const op = "collection.verify"
	c, err := store.Collection(ctx, name)
	if err != nil {
		return c, err
	}
	if c.Dimension != dimension {
		return c, errs.E(errs.Config, op,
			"collection %s has dimension %d but the embedding provider produces %d", name, c.Dimension, dimension)
	}
	if content != "" && c.Content != "" && c.Content != content {
		return c, errs.E(errs.Config, op, "collection %s holds %s entries, not %s", name, c.Content, content)
	}
	return c, nil
}
