package state

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/mitchellh/copystructure"
)

// Document is the canonical vessel state tree. Leaves are JSON scalars,
// arrays or measurement records.
type Document map[string]any

var (
	ErrPathNotFound = errors.New("path not found")
	ErrNotContainer = errors.New("parent is not a container")
	ErrEmptyPath    = errors.New("empty path")
)

// Clone returns a deep copy of v. A nil v (JSON null) clones to the zero value.
func Clone[T any](v T) (T, error) {
	var zero T
	if any(v) == nil {
		return zero, nil
	}
	out, err := copystructure.Copy(v)
	if err != nil {
		return zero, fmt.Errorf("deep copy: %w", err)
	}
	if out == nil {
		return zero, nil
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("deep copy: unexpected type %T", out)
	}
	return typed, nil
}

// MustClone is Clone for values known to be plain JSON trees.
func MustClone(doc Document) Document {
	out, err := Clone(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// Normalize round-trips v through JSON so every number becomes float64,
// every object map[string]any and every array []any. Values that cannot be
// serialised (channels, funcs, NaN) make it fail.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// NormalizeDocument is Normalize for a whole document.
func NormalizeDocument(doc Document) (Document, error) {
	out, err := Normalize(map[string]any(doc))
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return Document{}, nil
	}
	return Document(m), nil
}

// Equal reports structural equality after normalisation.
func Equal(a, b any) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// AsMap returns v as a plain object if it is one.
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return map[string]any(m), true
	}
	return nil, false
}

// Get resolves segments against doc.
func Get(doc Document, segments []string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, seg := range segments {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Document:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// GetDot is Get with a dot path.
func GetDot(doc Document, path string) (any, bool) {
	return Get(doc, SplitDotPath(path))
}

// Set writes value at segments. Missing or null parents are materialised
// as empty objects; a scalar parent is an error.
func Set(doc Document, segments []string, value any) error {
	if len(segments) == 0 {
		return ErrEmptyPath
	}
	_, err := setIn(map[string]any(doc), segments, value, false)
	return err
}

// Merge is Set, except that when both the existing value and value are
// objects the two are deep-merged instead of replaced.
func Merge(doc Document, segments []string, value any) error {
	if len(segments) == 0 {
		return ErrEmptyPath
	}
	_, err := setIn(map[string]any(doc), segments, value, true)
	return err
}

func setIn(container any, segments []string, value any, merge bool) (any, error) {
	seg := segments[0]
	last := len(segments) == 1

	switch c := container.(type) {
	case map[string]any:
		if last {
			if merge {
				if dst, ok := AsMap(c[seg]); ok {
					if src, ok := AsMap(value); ok {
						mergeInto(dst, src)
						return c, nil
					}
				}
			}
			c[seg] = value
			return c, nil
		}
		child, exists := c[seg]
		if !exists || child == nil {
			child = map[string]any{}
		}
		updated, err := setIn(child, segments[1:], value, merge)
		if err != nil {
			return nil, err
		}
		c[seg] = updated
		return c, nil

	case Document:
		return setIn(map[string]any(c), segments, value, merge)

	case []any:
		if seg == "-" {
			if !last {
				return nil, fmt.Errorf("%w: '-' must be the last segment", ErrNotContainer)
			}
			return append(c, value), nil
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx > len(c) {
			return nil, fmt.Errorf("%w: index %q", ErrPathNotFound, seg)
		}
		if idx == len(c) {
			if !last {
				return nil, fmt.Errorf("%w: index %q", ErrPathNotFound, seg)
			}
			return append(c, value), nil
		}
		if last {
			c[idx] = value
			return c, nil
		}
		updated, err := setIn(c[idx], segments[1:], value, merge)
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil
	}
	return nil, fmt.Errorf("%w: segment %q under %T", ErrNotContainer, seg, container)
}

// Delete removes the value at segments.
func Delete(doc Document, segments []string) error {
	if len(segments) == 0 {
		return ErrEmptyPath
	}
	parent, ok := Get(doc, segments[:len(segments)-1])
	if !ok {
		return fmt.Errorf("%w: %s", ErrPathNotFound, FormatPointer(segments))
	}
	key := segments[len(segments)-1]
	switch p := parent.(type) {
	case map[string]any:
		if _, ok := p[key]; !ok {
			return fmt.Errorf("%w: %s", ErrPathNotFound, FormatPointer(segments))
		}
		delete(p, key)
		return nil
	case Document:
		if _, ok := p[key]; !ok {
			return fmt.Errorf("%w: %s", ErrPathNotFound, FormatPointer(segments))
		}
		delete(p, key)
		return nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(p) {
			return fmt.Errorf("%w: %s", ErrPathNotFound, FormatPointer(segments))
		}
		// Shrinking a slice needs the grandparent to hold the new header.
		return Set(doc, segments[:len(segments)-1], append(p[:idx:idx], p[idx+1:]...))
	}
	return fmt.Errorf("%w: %s", ErrNotContainer, FormatPointer(segments))
}

// EnsureParents materialises every missing ancestor of segments as an empty
// object, leaving existing values alone.
func EnsureParents(doc Document, segments []string) error {
	cur := map[string]any(doc)
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		next, exists := cur[seg]
		if !exists || next == nil {
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := AsMap(next)
		if !ok {
			// Arrays and scalars are left for the caller to report.
			return nil
		}
		cur = m
	}
	return nil
}

// MergeOnto returns a deep copy of base with overlay deep-merged on top.
func MergeOnto(base, overlay Document) Document {
	out := MustClone(base)
	if out == nil {
		out = Document{}
	}
	mergeInto(out, MustClone(overlay))
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := AsMap(v); ok {
			if dstMap, ok := AsMap(dst[k]); ok {
				mergeInto(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}
