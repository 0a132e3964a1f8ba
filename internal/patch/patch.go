// Package patch implements the JSON-Patch subset used on the wire: add,
// replace and remove, with parent containers materialised on write.
package patch

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/compendiumnav/navsync/internal/state"
)

const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

var (
	ErrMalformedOp  = errors.New("malformed patch operation")
	ErrNotList      = errors.New("patch is not a list")
	ErrNotContainer = state.ErrNotContainer
	ErrPathNotFound = state.ErrPathNotFound
)

// Operation is one patch step.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// ApplyError reports the operation that stopped Apply.
type ApplyError struct {
	Index int
	Op    Operation
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("patch op %d (%s %s): %v", e.Index, e.Op.Op, e.Op.Path, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Diff returns the operations turning prev into next, one per changed
// leaf, sorted by path. Arrays are compared whole.
func Diff(prev, next state.Document) ([]Operation, error) {
	a, err := state.NormalizeDocument(prev)
	if err != nil {
		return nil, fmt.Errorf("diff prev: %w", err)
	}
	b, err := state.NormalizeDocument(next)
	if err != nil {
		return nil, fmt.Errorf("diff next: %w", err)
	}

	var ops []Operation
	diffObjects(nil, a, b, &ops)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })
	return ops, nil
}

func diffObjects(prefix []string, prev, next map[string]any, ops *[]Operation) {
	for k, nv := range next {
		path := append(append([]string(nil), prefix...), k)
		pv, ok := prev[k]
		if !ok {
			*ops = append(*ops, Operation{Op: OpAdd, Path: state.FormatPointer(path), Value: nv})
			continue
		}
		pm, pIsObj := pv.(map[string]any)
		nm, nIsObj := nv.(map[string]any)
		if pIsObj && nIsObj {
			diffObjects(path, pm, nm, ops)
			continue
		}
		if !reflect.DeepEqual(pv, nv) {
			*ops = append(*ops, Operation{Op: OpReplace, Path: state.FormatPointer(path), Value: nv})
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			path := append(append([]string(nil), prefix...), k)
			*ops = append(*ops, Operation{Op: OpRemove, Path: state.FormatPointer(path)})
		}
	}
}

// Apply runs ops against doc in order. add and replace create missing
// parents as empty objects. The first failure stops the run; operations
// before it stay applied, so callers wanting all-or-nothing apply to a
// clone.
func Apply(doc state.Document, ops []Operation) error {
	for i, op := range ops {
		if err := applyOne(doc, op); err != nil {
			return &ApplyError{Index: i, Op: op, Err: err}
		}
	}
	return nil
}

func applyOne(doc state.Document, op Operation) error {
	segs, err := state.ParsePointer(op.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOp, err)
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: empty path", ErrMalformedOp)
	}

	switch op.Op {
	case OpAdd, OpReplace:
		if err := state.EnsureParents(doc, segs); err != nil {
			return err
		}
		return state.Set(doc, segs, op.Value)
	case OpRemove:
		return state.Delete(doc, segs)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformedOp, op.Op)
	}
}

// Decode converts a decoded JSON value into operations. Anything other
// than a list is ErrNotList.
func Decode(v any) ([]Operation, error) {
	switch list := v.(type) {
	case []Operation:
		return list, nil
	case []map[string]any:
		out := make([]Operation, 0, len(list))
		for i, m := range list {
			op, err := decodeOne(m)
			if err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			out = append(out, op)
		}
		return out, nil
	case []any:
		out := make([]Operation, 0, len(list))
		for i, raw := range list {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("op %d: %w: not an object", i, ErrMalformedOp)
			}
			op, err := decodeOne(m)
			if err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			out = append(out, op)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: got %T", ErrNotList, v)
}

func decodeOne(m map[string]any) (Operation, error) {
	op, _ := m["op"].(string)
	path, ok := m["path"].(string)
	if op == "" || !ok {
		return Operation{}, fmt.Errorf("%w: missing op or path", ErrMalformedOp)
	}
	return Operation{Op: op, Path: path, Value: m["value"]}, nil
}

// ToJSON renders ops as plain JSON values for embedding in envelopes.
func ToJSON(ops []Operation) []any {
	out := make([]any, 0, len(ops))
	for _, op := range ops {
		m := map[string]any{"op": op.Op, "path": op.Path}
		if op.Op != OpRemove {
			m["value"] = op.Value
		}
		out = append(out, m)
	}
	return out
}
