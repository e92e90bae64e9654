package pocore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackDependentBlocksCleanupWhileOwned(t *testing.T) {
	ctx := NewContext(Config{})

	var ownerCleaned, depCleaned bool
	owner := new(int)
	dep := new(int)

	ctx.Track(owner, func(any) { ownerCleaned = true })
	ctx.Track(dep, func(any) { depCleaned = true })

	require.NoError(t, ctx.TrackDependent(owner, dep))

	// dep still has owner in its owners list, so it cannot be cleaned yet.
	err := ctx.TrackCleanup(dep)
	require.Error(t, err)
	assert.False(t, depCleaned)

	// owner has no owners of its own, so it cleans freely, which also
	// removes the edge from dep's owners list.
	require.NoError(t, ctx.TrackCleanup(owner))
	assert.True(t, ownerCleaned)

	require.NoError(t, ctx.TrackCleanup(dep))
	assert.True(t, depCleaned)
}

func TestTrackDeregisterRejectsWithOwners(t *testing.T) {
	ctx := NewContext(Config{})

	owner := new(int)
	dep := new(int)
	ctx.Track(owner, func(any) {})
	ctx.Track(dep, func(any) {})
	require.NoError(t, ctx.TrackDependent(owner, dep))

	err := ctx.TrackDeregister(dep)
	require.Error(t, err)
}

func TestTrackOwnsPoolDestroysOnCleanup(t *testing.T) {
	ctx := NewContext(Config{})
	defer func() { _ = ctx.Destroy() }()

	root := NewRootPool(ctx)
	child := root.CreateChild()

	owner := new(int)
	ctx.Track(owner, func(any) {})
	require.NoError(t, ctx.TrackOwnsPool(owner, child))

	// child still has an owner, so cleaning it directly is rejected.
	require.Error(t, ctx.TrackCleanup(child))

	// cleaning owner removes the dependency edge; child is then cleanable
	// and its registered cleanup (wired by TrackOwnsPool) destroys it.
	require.NoError(t, ctx.TrackCleanup(owner))
	require.NoError(t, ctx.TrackCleanup(child))
	assert.True(t, child.destroyed)

	require.NoError(t, root.Destroy())
}

func TestTrackDeregisterUnknownIsNoop(t *testing.T) {
	ctx := NewContext(Config{})
	assert.NoError(t, ctx.TrackDeregister(new(int)))
}
