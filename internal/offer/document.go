package offer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Document is the persisted form of an offer.
type Document map[string]any

var ErrInvalidPath = errors.New("invalid document path")

// Encode serializes an offer to its document bytes.
func Encode(o *EscrowOffer) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode offer: %w", err)
	}
	return data, nil
}

// Decode parses document bytes into an offer.
func Decode(data []byte) (*EscrowOffer, error) {
	var o EscrowOffer
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to decode offer: %w", err)
	}
	return &o, nil
}

// ToDocument converts an offer to its generic document form.
func ToDocument(o *EscrowOffer) (Document, error) {
	data, err := Encode(o)
	if err != nil {
		return nil, err
	}
	return ParseDocument(data)
}

// ParseDocument parses raw document bytes.
func ParseDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return doc, nil
}

// FromDocument converts a generic document back into an offer.
func FromDocument(doc Document) (*EscrowOffer, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return Decode(data)
}

// Update is a partial document update. Keys are dotted paths, for example
// "init.send_address".
type Update struct {
	Set   map[string]any
	Unset []string
}

// Set returns an update setting a single field.
func Set(field string, value any) Update {
	return Update{Set: map[string]any{field: value}}
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0
}

// ApplyUpdate applies u to doc in place. Set values are normalized through
// their JSON form so typed values (decimals, times, pointers) store the same
// way a full Encode would.
func ApplyUpdate(doc Document, u Update) error {
	for path, value := range u.Set {
		norm, err := normalize(value)
		if err != nil {
			return fmt.Errorf("field %s: %w", path, err)
		}
		parent, key, err := walk(doc, path, true)
		if err != nil {
			return err
		}
		if norm == nil {
			delete(parent, key)
			continue
		}
		parent[key] = norm
	}
	for _, path := range u.Unset {
		parent, key, err := walk(doc, path, false)
		if err != nil {
			return err
		}
		if parent != nil {
			delete(parent, key)
		}
	}
	return nil
}

// Lookup returns the value at a dotted path.
func Lookup(doc Document, path string) (any, bool) {
	parent, key, err := walk(doc, path, false)
	if err != nil || parent == nil {
		return nil, false
	}
	v, ok := parent[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// walk resolves the parent map of the last path segment. With create set,
// missing intermediate maps are created; otherwise a nil parent is returned.
func walk(doc Document, path string, create bool) (map[string]any, string, error) {
	if path == "" {
		return nil, "", ErrInvalidPath
	}
	parts := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, p := range parts[:len(parts)-1] {
		if p == "" {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		next, ok := cur[p]
		if !ok || next == nil {
			if !create {
				return nil, "", nil
			}
			m := make(map[string]any)
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("%w: %q is not an object", ErrInvalidPath, p)
		}
		cur = m
	}
	last := parts[len(parts)-1]
	if last == "" {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return cur, last, nil
}

func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConditionOp is the kind of check a Condition performs.
type ConditionOp int

const (
	OpExists ConditionOp = iota
	OpMissing
	OpEquals
)

// Condition guards a conditional update.
type Condition struct {
	Field string
	Op    ConditionOp
	Value any
}

// Exists holds when the field is present and non-null.
func Exists(field string) Condition { return Condition{Field: field, Op: OpExists} }

// Missing holds when the field is absent or null.
func Missing(field string) Condition { return Condition{Field: field, Op: OpMissing} }

// Equals holds when the field equals value.
func Equals(field string, value any) Condition {
	return Condition{Field: field, Op: OpEquals, Value: value}
}

// Holds evaluates the condition against doc.
func (c Condition) Holds(doc Document) (bool, error) {
	v, present := Lookup(doc, c.Field)
	switch c.Op {
	case OpExists:
		return present, nil
	case OpMissing:
		return !present, nil
	case OpEquals:
		want, err := normalize(c.Value)
		if err != nil {
			return false, fmt.Errorf("condition on %s: %w", c.Field, err)
		}
		if !present {
			return want == nil, nil
		}
		return reflect.DeepEqual(v, want), nil
	}
	return false, fmt.Errorf("unknown condition op %d", c.Op)
}

// MatchAll reports whether every condition holds.
func MatchAll(doc Document, conds []Condition) (bool, error) {
	for _, c := range conds {
		ok, err := c.Holds(doc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
