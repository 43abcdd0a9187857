package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evicted struct {
	key    string
	value  int
	reason EvictReason
}

func newRecorded(capacity int) (*LRU[string, int], *[]evicted) {
	var log []evicted
	c := New[string, int](capacity, func(k string, v int, r EvictReason) {
		log = append(log, evicted{k, v, r})
	})
	return c, &log
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c, log := newRecorded(3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Put("d", 4)

	require.Len(t, *log, 1)
	assert.Equal(t, evicted{"a", 1, Capacity}, (*log)[0])
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("a"))
	assert.Equal(t, []string{"d", "c", "b"}, c.Keys())
}

func TestLRU_GetRefreshesRecency(t *testing.T) {
	c, log := newRecorded(3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("d", 4)
	require.Len(t, *log, 1)
	assert.Equal(t, "b", (*log)[0].key)
	assert.True(t, c.Contains("a"))
}

func TestLRU_PeekDoesNotRefresh(t *testing.T) {
	c, log := newRecorded(2)
	c.Put("a", 1)
	c.Put("b", 2)
	_, ok := c.Peek("a")
	require.True(t, ok)
	c.Put("c", 3)
	require.Len(t, *log, 1)
	assert.Equal(t, "a", (*log)[0].key)
}

func TestLRU_UpdateExistingDoesNotEvict(t *testing.T) {
	c, log := newRecorded(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10)

	assert.Empty(t, *log)
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
}

func TestLRU_RemoveSkipsCallback(t *testing.T) {
	c, log := newRecorded(2)
	c.Put("a", 1)
	v, ok := c.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Empty(t, *log)
	_, ok = c.Remove("a")
	assert.False(t, ok)
}

func TestLRU_ClearFiresOncePerEntry(t *testing.T) {
	c, log := newRecorded(5)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Clear()

	assert.Equal(t, 0, c.Len())
	require.Len(t, *log, 3)
	for _, e := range *log {
		assert.Equal(t, Cleared, e.reason)
	}
	c.Clear()
	assert.Len(t, *log, 3)
}

func TestLRU_CallbackMayReenter(t *testing.T) {
	var c *LRU[string, int]
	var stillLinked []bool
	c = New[string, int](1, func(k string, v int, r EvictReason) {
		// must not deadlock
		stillLinked = append(stillLinked, c.Contains(k))
	})
	c.Put("a", 1)
	c.Put("b", 2)
	assert.True(t, c.Contains("b"))
	c.Clear()
	assert.Equal(t, []bool{false, false}, stillLinked)
}

func TestLRU_GetOrAdd(t *testing.T) {
	c, _ := newRecorded(2)
	calls := 0
	create := func() int { calls++; return 7 }

	v, found := c.GetOrAdd("x", create)
	assert.False(t, found)
	assert.Equal(t, 7, v)

	v, found = c.GetOrAdd("x", create)
	assert.True(t, found)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, calls)
}

func TestLRU_ValuesSnapshot(t *testing.T) {
	c, _ := newRecorded(4)
	c.Put("a", 1)
	c.Put("b", 2)
	for _, v := range c.Values() {
		c.Remove("a")
		_ = v
	}
	assert.Equal(t, 1, c.Len())

	seen := 0
	c.Range(func(string, int) bool { seen++; return false })
	assert.Equal(t, 1, seen)
}

func TestLRU_EvictionCounter(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_evictions_total"})
	c := New[int, int](1, nil).WithEvictionCounter(counter)
	c.Put(1, 1)
	c.Put(2, 2)
	c.Put(3, 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(counter))
}

func TestLRU_MinimumCapacity(t *testing.T) {
	c := New[int, int](0, nil)
	assert.Equal(t, 1, c.Capacity())
}
