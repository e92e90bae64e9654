package pocore

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spanOf(n int) []byte { return make([]byte, n) }

func TestMemtreeScenario(t *testing.T) {
	var tr tree

	b100 := spanOf(100)
	b200 := spanOf(200)
	b300 := spanOf(300)
	tr.insert(b100)
	tr.insert(b200)
	tr.insert(b300)

	got := tr.fetch(150)
	require.Len(t, got, 200)

	got = tr.fetch(50)
	require.Len(t, got, 100)

	got = tr.fetch(300)
	require.Len(t, got, 300)

	require.Nil(t, tr.fetch(10))
}

func TestMemtreeInsertThenFetchExactSize(t *testing.T) {
	var tr tree
	mem := spanOf(64)
	tr.insert(mem)
	got := tr.fetch(64)
	require.Len(t, got, 64)
	assert.Same(t, &mem[0], &got[0])
}

func TestMemtreeEqualSizeChainIsLIFO(t *testing.T) {
	var tr tree
	a := spanOf(32)
	b := spanOf(32)
	tr.insert(a)
	tr.insert(b)

	got := tr.fetch(32)
	assert.Same(t, &b[0], &got[0])

	got = tr.fetch(32)
	assert.Same(t, &a[0], &got[0])
}

func TestMemtreeRandomRoundTrip(t *testing.T) {
	orders := []struct{ insertFwd, fetchFwd bool }{
		{true, true}, {true, false}, {false, true}, {false, false},
	}

	for _, ord := range orders {
		rng := rand.New(rand.NewSource(42))
		const n = 200
		sizes := make([]int, n)
		for i := range sizes {
			sizes[i] = 2 + rng.Intn(4000)*2 // keep sizes even
		}

		var tr tree
		insertOrder := make([]int, n)
		for i := range insertOrder {
			insertOrder[i] = i
		}
		if !ord.insertFwd {
			reverse(insertOrder)
		}

		var total int
		for _, i := range insertOrder {
			tr.insert(spanOf(sizes[i]))
			total += sizes[i]
		}

		fetchOrder := make([]int, n)
		for i := range fetchOrder {
			fetchOrder[i] = i
		}
		if !ord.fetchFwd {
			reverse(fetchOrder)
		}

		var fetched int
		for _, i := range fetchOrder {
			got := tr.fetch(sizes[i])
			require.NotNil(t, got, "size %d", sizes[i])
			require.GreaterOrEqual(t, len(got), sizes[i])
			fetched += len(got)
		}

		assert.Equal(t, total, fetched)
		assert.Nil(t, tr.root)
	}
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func TestMemtreeDepthInvariant(t *testing.T) {
	var tr tree
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		tr.insert(spanOf(2 + rng.Intn(1000)*2))
	}
	assert.NotPanics(t, func() { tr.depth() })
}
