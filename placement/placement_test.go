package placement

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/hybridembed/statistics"
	"github.com/gomlx/hybridembed/topology"
)

// rankingFixture has 10 categories with counts 9, 8, ..., 0 for ids
// 0, 1, ..., 9, so the frequency rank of category c is c itself.
func rankingFixture(t *testing.T) *statistics.Ranking {
	h := statistics.NewHistogram(10)
	var ids []statistics.Category
	for c := 0; c < 10; c++ {
		for i := 0; i < 9-c; i++ {
			ids = append(ids, statistics.Category(c))
		}
	}
	require.NoError(t, h.AccumulateFlattened(ids, len(ids)))
	return h.Ranked()
}

func topo4(t *testing.T) *topology.Topology {
	topo, err := topology.Uniform(1, 4)
	require.NoError(t, err)
	return topo
}

func TestBuildPartition(t *testing.T) {
	r := rankingFixture(t)
	table, err := Build(3, r, topo4(t))
	require.NoError(t, err)
	fmt.Printf("\t%s\n", table)

	assert.Equal(t, 10, table.NumCategories())
	assert.Equal(t, 3, table.NumFrequent())
	assert.Equal(t, 7, table.NumInfrequent())

	// Every category is in exactly one of the two placements.
	numFrequent := 0
	var shardTotal uint64
	for c := statistics.Category(0); int(c) < table.NumCategories(); c++ {
		loc := table.Lookup(c)
		if loc.Frequent {
			numFrequent++
			assert.Less(t, loc.Slot, uint32(3))
			assert.Equal(t, c, table.FrequentCategories()[loc.Slot])
		} else {
			instance, localIndex := Owner(c, 4)
			assert.Equal(t, instance, loc.Instance)
			assert.Equal(t, localIndex, loc.LocalIndex)
			assert.GreaterOrEqual(t, loc.Instance, 0)
			assert.Less(t, loc.Instance, 4)
		}
	}
	assert.Equal(t, 3, numFrequent)
	for i := 0; i < 4; i++ {
		shardTotal += table.ShardRows(i)
	}
	assert.Equal(t, uint64(7), shardTotal)
}

func TestSlotsFollowRankOrder(t *testing.T) {
	// Ranking from TestRanked in statistics: ids [2, 4, 0, 1, 3, 5].
	h := statistics.NewHistogram(6)
	require.NoError(t, h.AccumulateFlattened([]statistics.Category{2, 2, 2, 4, 4, 0}, 6))
	table, err := Build(2, h.Ranked(), topo4(t))
	require.NoError(t, err)

	assert.Equal(t, []statistics.Category{2, 4}, table.FrequentCategories())
	slot, ok := table.FrequentSlot(2)
	require.True(t, ok)
	assert.Equal(t, uint32(0), slot)
	slot, ok = table.FrequentSlot(4)
	require.True(t, ok)
	assert.Equal(t, uint32(1), slot)
	_, ok = table.FrequentSlot(0)
	assert.False(t, ok)
}

func TestBuildIsDeterministic(t *testing.T) {
	r := rankingFixture(t)
	topo := topo4(t)
	a, err := Build(4, r, topo)
	require.NoError(t, err)
	b, err := Build(4, r, topo)
	require.NoError(t, err)

	assert.Equal(t, a.FrequentCategories(), b.FrequentCategories())
	for c := statistics.Category(0); int(c) < a.NumCategories(); c++ {
		assert.Equal(t, a.Lookup(c), b.Lookup(c))
	}
	// Same placement, distinct snapshots.
	assert.NotEqual(t, a.SnapshotID(), b.SnapshotID())
}

func TestOwnerIsStateless(t *testing.T) {
	// Any instance can compute any category's owner without a table: the
	// function depends only on the id and the instance count.
	instance, localIndex := Owner(22, 8)
	assert.Equal(t, 6, instance)
	assert.Equal(t, uint32(2), localIndex)

	for c := statistics.Category(0); c < 100; c++ {
		i1, l1 := Owner(c, 8)
		i2, l2 := Owner(c, 8)
		assert.Equal(t, i1, i2)
		assert.Equal(t, l1, l2)
		// Owner and local row reconstruct the id: the sharding loses nothing.
		assert.Equal(t, c, statistics.Category(int(l1)*8+i1))
	}

	require.Panics(t, func() { Owner(1, 0) })
}

func TestExtremeThresholds(t *testing.T) {
	r := rankingFixture(t)
	topo := topo4(t)

	all, err := Build(10, r, topo)
	require.NoError(t, err)
	assert.Equal(t, 0, all.NumInfrequent())
	assert.Empty(t, func() []int {
		var owned []int
		for i := 0; i < 4; i++ {
			if all.ShardRows(i) > 0 {
				owned = append(owned, i)
			}
		}
		return owned
	}())

	none, err := Build(0, r, topo)
	require.NoError(t, err)
	assert.Equal(t, 10, none.NumInfrequent())
	assert.Empty(t, none.FrequentCategories())
}

func TestBuildErrors(t *testing.T) {
	r := rankingFixture(t)
	topo := topo4(t)

	_, err := Build(11, r, topo)
	require.ErrorContains(t, err, "out of range")
	_, err = Build(-1, r, topo)
	require.Error(t, err)
	_, err = Build(1, nil, topo)
	require.Error(t, err)
	_, err = Build(1, r, nil)
	require.Error(t, err)

	table, err := Build(3, r, topo)
	require.NoError(t, err)
	require.Panics(t, func() { table.Lookup(10) })
	require.Panics(t, func() { table.FrequentSlot(10) })
	require.Panics(t, func() { table.ShardRows(4) })
}

func TestCacheBytesPerInstance(t *testing.T) {
	r := rankingFixture(t)
	table, err := Build(3, r, topo4(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(3*512), table.CacheBytesPerInstance(512))
}
