package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compendiumnav/navsync/internal/patch"
	"github.com/compendiumnav/navsync/internal/state"
)

func TestVesselCopyLifecycle(t *testing.T) {
	cp := NewVesselCopy("boat-1", time.Hour)

	ops := []any{map[string]any{"op": "replace", "path": "/vessel/info/name", "value": "A"}}
	assert.ErrorIs(t, cp.ApplyPatch(ops), ErrNoCopy)
	_, ok := cp.Snapshot()
	assert.False(t, ok)

	require.NoError(t, cp.ApplyFull(map[string]any{"tides": map[string]any{"station": "Kiel"}}))
	require.NoError(t, cp.ApplyPatch(ops))
	doc, ok := cp.Snapshot()
	require.True(t, ok)
	name, _ := state.GetDot(doc, "vessel.info.name")
	assert.Equal(t, "A", name)
	station, _ := state.GetDot(doc, "tides.station")
	assert.Equal(t, "Kiel", station)

	err := cp.ApplyPatch([]any{
		map[string]any{"op": "replace", "path": "/vessel/info/name", "value": "B"},
		map[string]any{"op": "remove", "path": "/missing"},
	})
	var applyErr *patch.ApplyError
	require.ErrorAs(t, err, &applyErr)
	after, _ := cp.Snapshot()
	assert.Equal(t, doc, after)

	assert.ErrorIs(t, cp.ApplyPatch("nope"), patch.ErrNotList)
	assert.True(t, cp.allowRefresh())
	assert.False(t, cp.allowRefresh())
}

func TestMemoryKeyStoreTrustOnFirstUse(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeyStore()
	require.NoError(t, ks.Register(ctx, "c1", "key-a", "client"))
	require.NoError(t, ks.Register(ctx, "c1", "key-a", "client"))
	assert.ErrorIs(t, ks.Register(ctx, "c1", "key-b", "client"), ErrKeyMismatch)

	k, ok, err := ks.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "key-a", k)

	_, ok, _ = ks.Lookup(ctx, "c2")
	assert.False(t, ok)
}
