package vectorstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/recall/internal/errs"
)

// Filter is a structured predicate over point payloads: every Must condition
// has to hold and no MustNot condition may hold.
type Filter struct {
	Must    []Condition
	MustNot []Condition
}

// Condition is a single predicate. Exactly one of Match, Range,
// DatetimeRange or HasID is set.
type Condition struct {
	Key           string
	Match         *Match
	Range         *Range
	DatetimeRange *DatetimeRange
	HasID         []string
}

// Match is an equality predicate. Against an array payload value it holds
// when any element matches.
type Match struct {
	// Value matches one exact value.
	Value any
	// Any matches when the field equals (or contains) any of the values.
	Any []string
}

// Range bounds a numeric field. Nil bounds are open.
type Range struct {
	Lt, Lte, Gt, Gte *float64
}

// DatetimeRange bounds an RFC 3339 timestamp field. Nil bounds are open.
type DatetimeRange struct {
	Lt, Lte, Gt, Gte *time.Time
}

// MatchValue returns an equality condition.
func MatchValue(key string, value any) Condition {
	return Condition{Key: key, Match: &Match{Value: value}}
}

// MatchAny returns a contains-any-of condition.
func MatchAny(key string, values ...string) Condition {
	return Condition{Key: key, Match: &Match{Any: values}}
}

// Before returns a condition holding for timestamps strictly before t.
func Before(key string, t time.Time) Condition {
	return Condition{Key: key, DatetimeRange: &DatetimeRange{Lt: &t}}
}

// HasIDs returns a condition holding for the given point ids.
func HasIDs(ids ...string) Condition {
	return Condition{HasID: ids}
}

// IsEmpty reports whether f has no conditions.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.MustNot) == 0)
}

// Matches evaluates f against a point. A nil filter matches everything.
func (f *Filter) Matches(id string, p Payload) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !c.matches(id, p) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if c.matches(id, p) {
			return false
		}
	}
	return true
}

func (f *Filter) validate(op string) error {
	if f == nil {
		return nil
	}
	for _, set := range [][]Condition{f.Must, f.MustNot} {
		for _, c := range set {
			if err := c.validate(op); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c Condition) validate(op string) error {
	n := 0
	if c.Match != nil {
		n++
	}
	if c.Range != nil {
		n++
	}
	if c.DatetimeRange != nil {
		n++
	}
	if c.HasID != nil {
		n++
	}
	if n != 1 {
		return errs.E(errs.Invalid, op, "filter condition on %q must set exactly one predicate", c.Key)
	}
	if c.HasID == nil && c.Key == "" {
		return errs.E(errs.Invalid, op, "filter condition without key")
	}
	return nil
}

func (c Condition) matches(id string, p Payload) bool {
	if c.HasID != nil {
		for _, want := range c.HasID {
			if want == id {
				return true
			}
		}
		return false
	}

	v, ok := lookup(p, c.Key)
	if !ok || v == nil {
		return false
	}

	switch {
	case c.Match != nil:
		return c.Match.matches(v)
	case c.Range != nil:
		f, ok := toFloat(v)
		return ok && c.Range.contains(f)
	case c.DatetimeRange != nil:
		t, ok := toTime(v)
		return ok && c.DatetimeRange.contains(t)
	}
	return false
}

func (m *Match) matches(v any) bool {
	values := []any{v}
	if arr, ok := v.([]any); ok {
		values = arr
	} else if arr, ok := v.([]string); ok {
		values = make([]any, len(arr))
		for i, s := range arr {
			values[i] = s
		}
	}

	for _, elem := range values {
		if m.Any != nil {
			for _, want := range m.Any {
				if equalValue(elem, want) {
					return true
				}
			}
			continue
		}
		if equalValue(elem, m.Value) {
			return true
		}
	}
	return false
}

func (r *Range) contains(f float64) bool {
	if r.Lt != nil && !(f < *r.Lt) {
		return false
	}
	if r.Lte != nil && !(f <= *r.Lte) {
		return false
	}
	if r.Gt != nil && !(f > *r.Gt) {
		return false
	}
	if r.Gte != nil && !(f >= *r.Gte) {
		return false
	}
	return true
}

func (r *DatetimeRange) contains(t time.Time) bool {
	if r.Lt != nil && !t.Before(*r.Lt) {
		return false
	}
	if r.Lte != nil && t.After(*r.Lte) {
		return false
	}
	if r.Gt != nil && !t.After(*r.Gt) {
		return false
	}
	if r.Gte != nil && t.Before(*r.Gte) {
		return false
	}
	return true
}

// lookup resolves a dotted key against nested payload objects.
func lookup(p Payload, key string) (any, bool) {
	var cur any = map[string]any(p)
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	// Mixed types: compare textual forms so that a CLI supplied "42" matches
	// a numeric payload value.
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
