package pocore

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAllocAlignment(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = p.Destroy() }()

	for _, n := range []int{1, 3, 7, 8, 9, 100, 4097} {
		buf := p.Alloc(n)
		require.Len(t, buf, n)
		assert.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%allocAlign, "size %d", n)
	}
}

func TestPoolAllocNonOverlapping(t *testing.T) {
	ctx := NewContext(Config{StdSize: StdsizeMin})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = p.Destroy() }()

	a := p.Alloc(32)
	b := p.Alloc(32)
	for i := range a {
		a[i] = 0xAA
	}
	for i := range b {
		b[i] = 0xBB
	}
	assert.Equal(t, byte(0xAA), a[0])
	assert.Equal(t, byte(0xBB), b[0])
}

func TestPoolClearResetsBumpPointer(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = p.Destroy() }()

	first := p.Alloc(16)
	p.Clear()
	second := p.Alloc(16)

	assert.Same(t, &first[0], &second[0])
}

func TestPoolDestroyEmptiesMemroot(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)

	require.NoError(t, p.Destroy())
	assert.Empty(t, ctx.memroots)
	require.NoError(t, ctx.Destroy())
}

func TestPoolChildDestroyedWithParent(t *testing.T) {
	ctx := NewContext(Config{})
	root := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()

	child := root.CreateChild()
	var ran bool
	root.RegisterCleanup(child, func(any) { ran = true }, nil)

	require.NoError(t, root.Destroy())
	assert.True(t, ran)
	assert.True(t, child.destroyed)
}

func TestPoolFreememBelowMinimumIsDropped(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = p.Destroy() }()

	tiny := p.Alloc(4)
	p.Freemem(tiny)
	assert.Nil(t, p.remnants.root)
}

func TestPoolFreememRecycledByAlloc(t *testing.T) {
	ctx := NewContext(Config{StdSize: StdsizeMin})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = p.Destroy() }()

	a := p.Alloc(64)
	// Use up the rest of the block so the next Alloc cannot bump and has
	// to go to the remnant tree.
	p.Alloc(StdsizeMin - 64)
	p.Freemem(a)
	b := p.Alloc(64)
	assert.Same(t, &a[0], &b[0])
}

func TestPoolReparentAcrossMemroots(t *testing.T) {
	ctx := NewContext(Config{})
	r1 := NewRootPool(ctx)
	r2 := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = r1.Destroy() }()
	defer func() { _ = r2.Destroy() }()

	child := r1.CreateChild()

	var shifted bool
	child.RegisterCleanup("k", func(any) {}, func(any) { shifted = true })

	require.NoError(t, child.Reparent(r2))
	assert.Same(t, r2.mr, child.mr)
	assert.True(t, shifted)
}

func TestPoolReparentRootRejected(t *testing.T) {
	ctx := NewContext(Config{})
	root := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = root.Destroy() }()

	child := root.CreateChild()
	err := root.Reparent(child)
	require.Error(t, err)
}

func TestPoolCoalescingFreememWritesSizeSuffix(t *testing.T) {
	ctx := NewContext(Config{})
	root := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = root.Destroy() }()

	p := root.CreateCoalescingChild()
	a := p.Alloc(64)
	p.Freemem(a)

	full := a[:cap(a)]
	require.Len(t, full, 64+coalesceSuffixSize)
	var got uint64
	for i := 0; i < 8; i++ {
		got |= uint64(full[64+i]) << (8 * i)
	}
	assert.Equal(t, uint64(64), got)
}

func TestPoolStrCatAndSprintf(t *testing.T) {
	ctx := NewContext(Config{})
	p := NewRootPool(ctx)
	defer func() { _ = ctx.Destroy() }()
	defer func() { _ = p.Destroy() }()

	s := p.StrCat("foo", "bar", "baz")
	assert.Equal(t, "foobarbaz", s)

	f := p.Sprintf("n=%d", 42)
	assert.Equal(t, "n=42", f)
}
