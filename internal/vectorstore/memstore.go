package vectorstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/felixgeelhaar/recall/internal/errs"
)

// MemoryStore is an in-process Store. Payloads are kept JSON encoded so that
// callers always see the same value shapes a persistent store returns.
type MemoryStore struct {
	mu    sync.RWMutex
	colls map[string]*memCollection
}

type memCollection struct {
	def     Collection
	indexes map[string]FieldType
	points  map[string]memPoint
}

type memPoint struct {
	vector  []float32
	payload []byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{colls: make(map[string]*memCollection)}
}

func (s *MemoryStore) CreateCollection(ctx context.Context, c Collection) (bool, error) {
	const op = "memstore.create_collection"
	if err := ctx.Err(); err != nil {
		return false, errs.Transport(op, err)
	}
	if err := validateCollection(op, c); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.colls[c.Name]; ok {
		return false, nil
	}
	s.colls[c.Name] = &memCollection{
		def:     c,
		indexes: make(map[string]FieldType),
		points:  make(map[string]memPoint),
	}
	return true, nil
}

func (s *MemoryStore) Collection(ctx context.Context, name string) (Collection, error) {
	const op = "memstore.collection"
	if err := ctx.Err(); err != nil {
		return Collection{}, errs.Transport(op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.colls[name]
	if !ok {
		return Collection{}, notFound(op, name)
	}
	return c.def, nil
}

func (s *MemoryStore) CreateFieldIndex(ctx context.Context, collection, field string, typ FieldType) error {
	const op = "memstore.create_field_index"
	if err := ctx.Err(); err != nil {
		return errs.Transport(op, err)
	}
	if err := validateField(op, field, typ); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.colls[collection]
	if !ok {
		return notFound(op, collection)
	}
	c.indexes[field] = typ
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, collection string, points ...Point) error {
	const op = "memstore.upsert"
	if err := ctx.Err(); err != nil {
		return errs.Transport(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.colls[collection]
	if !ok {
		return notFound(op, collection)
	}

	staged := make(map[string]memPoint, len(points))
	for _, p := range points {
		if p.ID == "" {
			return errs.E(errs.Invalid, op, "point id is required")
		}
		if err := checkDimension(op, c.def, p.Vector); err != nil {
			return err
		}
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return errs.Wrap(errs.Invalid, op, err)
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		staged[p.ID] = memPoint{vector: vec, payload: raw}
	}
	for id, p := range staged {
		c.points[id] = p
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, collection string, req SearchRequest) ([]ScoredPoint, error) {
	const op = "memstore.search"
	if err := ctx.Err(); err != nil {
		return nil, errs.Transport(op, err)
	}
	if err := req.Filter.validate(op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.colls[collection]
	if !ok {
		return nil, notFound(op, collection)
	}
	if err := validateSearch(op, c.def, req); err != nil {
		return nil, err
	}

	var hits []ScoredPoint
	for id, p := range c.points {
		payload, err := decodePayload(op, p.payload)
		if err != nil {
			return nil, err
		}
		if !req.Filter.Matches(id, payload) {
			continue
		}
		score := Score(c.def.Distance, req.Vector, p.vector)
		if score < req.ScoreThreshold {
			continue
		}
		hits = append(hits, ScoredPoint{ID: id, Score: score, Payload: payload})
	}
	return rank(hits, req.Limit), nil
}

func (s *MemoryStore) Scroll(ctx context.Context, collection string, req ScrollRequest) (ScrollPage, error) {
	const op = "memstore.scroll"
	if err := ctx.Err(); err != nil {
		return ScrollPage{}, errs.Transport(op, err)
	}
	if req.Limit < 1 {
		return ScrollPage{}, errs.E(errs.Invalid, op, "limit must be at least 1, got %d", req.Limit)
	}
	if err := req.Filter.validate(op); err != nil {
		return ScrollPage{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.colls[collection]
	if !ok {
		return ScrollPage{}, notFound(op, collection)
	}

	ids := make([]string, 0, len(c.points))
	for id := range c.points {
		if id >= req.Offset {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var page ScrollPage
	for _, id := range ids {
		p := c.points[id]
		payload, err := decodePayload(op, p.payload)
		if err != nil {
			return ScrollPage{}, err
		}
		if !req.Filter.Matches(id, payload) {
			continue
		}
		if len(page.Points) == req.Limit {
			page.NextOffset = id
			break
		}
		vec := make([]float32, len(p.vector))
		copy(vec, p.vector)
		page.Points = append(page.Points, Point{ID: id, Vector: vec, Payload: payload})
	}
	return page, nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection string, filter Filter) (int, error) {
	const op = "memstore.delete"
	if err := ctx.Err(); err != nil {
		return 0, errs.Transport(op, err)
	}
	if err := filter.validate(op); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.colls[collection]
	if !ok {
		return 0, notFound(op, collection)
	}

	var doomed []string
	for id, p := range c.points {
		payload, err := decodePayload(op, p.payload)
		if err != nil {
			return 0, err
		}
		if filter.Matches(id, payload) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		delete(c.points, id)
	}
	return len(doomed), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func decodePayload(op string, raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return Payload{}, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.Malformed, op, err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}
