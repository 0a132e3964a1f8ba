package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compendiumnav/navsync/internal/state"
)

func TestDiffReplaceAddRemove(t *testing.T) {
	prev := state.Document{
		"navigation": map[string]any{
			"speed": map[string]any{"sog": map[string]any{"value": 0.0}},
			"trip":  map[string]any{"log": 12.0},
		},
	}
	next := state.Document{
		"navigation": map[string]any{
			"speed": map[string]any{"sog": map[string]any{"value": 4.1}},
		},
		"bluetooth": map[string]any{"lastSeen": "2024-01-01"},
	}

	ops, err := Diff(prev, next)
	require.NoError(t, err)
	assert.Equal(t, []Operation{
		{Op: OpAdd, Path: "/bluetooth", Value: map[string]any{"lastSeen": "2024-01-01"}},
		{Op: OpReplace, Path: "/navigation/speed/sog/value", Value: 4.1},
		{Op: OpRemove, Path: "/navigation/trip"},
	}, ops)
}

func TestDiffNoChangeIsEmpty(t *testing.T) {
	doc := state.BaseSchema()
	ops, err := Diff(doc, state.MustClone(doc))
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDiffArraysAreLeaves(t *testing.T) {
	prev := state.Document{"anchor": map[string]any{"history": []any{1.0}}}
	next := state.Document{"anchor": map[string]any{"history": []any{1.0, 2.0}}}
	ops, err := Diff(prev, next)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "/anchor/history", ops[0].Path)
	assert.Equal(t, OpReplace, ops[0].Op)
}

func TestDiffRejectsUnserialisable(t *testing.T) {
	_, err := Diff(state.Document{}, state.Document{"bad": func() {}})
	assert.Error(t, err)
}

func TestApplyDiffConverges(t *testing.T) {
	prev := state.BaseSchema()
	next := state.MustClone(prev)
	require.NoError(t, state.Set(next, []string{"navigation", "speed", "sog"}, state.NewMeasurement(state.KindSpeed, 2.1)))
	require.NoError(t, state.Set(next, []string{"bluetooth", "devices", "abc"}, map[string]any{"rssi": -60.0}))
	require.NoError(t, state.Delete(next, []string{"vessel", "info", "mmsi"}))

	ops, err := Diff(prev, next)
	require.NoError(t, err)

	got := state.MustClone(prev)
	require.NoError(t, Apply(got, ops))
	assert.True(t, state.Equal(next, got))
}

func TestApplyIsIdempotent(t *testing.T) {
	ops := []Operation{
		{Op: OpReplace, Path: "/navigation/speed/sog/value", Value: 4.1},
		{Op: OpAdd, Path: "/bluetooth/lastSeen", Value: "2024-01-01"},
	}
	once := state.BaseSchema()
	require.NoError(t, Apply(once, ops))
	twice := state.MustClone(once)
	require.NoError(t, Apply(twice, ops))
	assert.True(t, state.Equal(once, twice))
}

func TestApplyMaterialisesParents(t *testing.T) {
	doc := state.Document{}
	require.NoError(t, Apply(doc, []Operation{{Op: OpAdd, Path: "/bluetooth/lastSeen", Value: "2024-01-01"}}))
	assert.Equal(t, state.Document{"bluetooth": map[string]any{"lastSeen": "2024-01-01"}}, doc)
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	doc := state.Document{"navigation": "scalar"}
	ops := []Operation{
		{Op: OpAdd, Path: "/vessel/name", Value: "Aurora"},
		{Op: OpReplace, Path: "/navigation/speed", Value: 1.0},
		{Op: OpAdd, Path: "/vessel/mmsi", Value: "123"},
	}
	err := Apply(doc, ops)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, 1, applyErr.Index)
	assert.ErrorIs(t, err, ErrNotContainer)

	_, ok := state.GetDot(doc, "vessel.mmsi")
	assert.False(t, ok)
}

func TestApplyErrors(t *testing.T) {
	cases := map[string]struct {
		op   Operation
		want error
	}{
		"unknown op":     {Operation{Op: "move", Path: "/a"}, ErrMalformedOp},
		"empty path":     {Operation{Op: OpAdd, Path: ""}, ErrMalformedOp},
		"bad pointer":    {Operation{Op: OpAdd, Path: "a/b"}, ErrMalformedOp},
		"remove missing": {Operation{Op: OpRemove, Path: "/nope/x"}, ErrPathNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := Apply(state.Document{}, []Operation{tc.op})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecode(t *testing.T) {
	ops, err := Decode([]any{
		map[string]any{"op": "replace", "path": "/a", "value": 1.0},
		map[string]any{"op": "remove", "path": "/b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []Operation{{Op: OpReplace, Path: "/a", Value: 1.0}, {Op: OpRemove, Path: "/b"}}, ops)

	_, err = Decode(map[string]any{"op": "add"})
	assert.ErrorIs(t, err, ErrNotList)

	_, err = Decode([]any{"nope"})
	assert.ErrorIs(t, err, ErrMalformedOp)

	_, err = Decode([]any{map[string]any{"path": "/a"}})
	assert.ErrorIs(t, err, ErrMalformedOp)
}

func TestToJSONOmitsRemoveValue(t *testing.T) {
	out := ToJSON([]Operation{{Op: OpRemove, Path: "/a"}, {Op: OpAdd, Path: "/b", Value: nil}})
	assert.Equal(t, []any{
		map[string]any{"op": "remove", "path": "/a"},
		map[string]any{"op": "add", "path": "/b", "value": nil},
	}, out)
}
