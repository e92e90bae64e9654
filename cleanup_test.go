package pocore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupOrderingPlain(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()

	var order []string
	p.RegisterCleanup("a", func(any) { order = append(order, "a") }, nil)
	p.RegisterCleanup("b", func(any) { order = append(order, "b") }, nil)
	p.RegisterCleanup("c", func(any) { order = append(order, "c") }, nil)

	require.NoError(t, p.Destroy())
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestCleanupBeforeOrdering(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()

	var order []string
	p.RegisterCleanup("a", func(any) { order = append(order, "a") }, nil)
	p.RegisterCleanup("b", func(any) { order = append(order, "b") }, nil)
	p.RegisterCleanup("c", func(any) { order = append(order, "c") }, nil)

	p.CleanupBefore("c", "b")
	p.CleanupBefore("b", "a")

	require.NoError(t, p.Destroy())
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestCleanupRunDeregisters(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = p.Destroy() }()

	var ran int
	p.RegisterCleanup("x", func(any) { ran++ }, nil)
	p.RunCleanup("x")
	p.RunCleanup("x") // second call is a no-op: already deregistered

	assert.Equal(t, 1, ran)
}

func TestCleanupDeregisterSkipsRun(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()

	var ran bool
	p.RegisterCleanup("y", func(any) { ran = true }, nil)
	p.DeregisterCleanup("y")

	require.NoError(t, p.Destroy())
	assert.False(t, ran)
}

func TestCleanupRegisterOverwriteKeepsPosition(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()

	var order []string
	p.RegisterCleanup("a", func(any) { order = append(order, "a1") }, nil)
	p.RegisterCleanup("b", func(any) { order = append(order, "b") }, nil)
	p.RegisterCleanup("a", func(any) { order = append(order, "a2") }, nil)

	require.NoError(t, p.Destroy())
	assert.Equal(t, []string{"b", "a2"}, order)
}

func TestCleanupRegisterRejectsNilFunc(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = p.Destroy() }()

	err := p.RegisterCleanup("z", nil, nil)
	require.Error(t, err)
}
