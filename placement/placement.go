// Package placement materializes a threshold decision into an immutable
// category placement table: which categories are frequent (replicated on
// every instance, addressed by a cache slot) and which are infrequent
// (sharded to exactly one owning instance).
//
// Frequent slots are assigned in frequency-rank order, so the same ranking
// and threshold always produce bit-for-bit the same table. Infrequent
// ownership is a pure function of the category id and instance count (see
// Owner), so any instance can locate any category without consulting a
// table, no matter how large the id space grows.
//
// Tables are snapshots: a rebalance builds a new table with a fresh
// SnapshotID while readers keep using the old one. Nothing in a Table
// mutates after Build.
package placement

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/hybridembed/statistics"
	"github.com/gomlx/hybridembed/topology"
)

// Location says where one category's embedding row lives.
type Location struct {
	// Frequent is true for replicated categories.
	Frequent bool

	// Slot is the replicated cache row, in [0, NumFrequent). Only meaningful
	// when Frequent.
	Slot uint32

	// Instance is the owning instance of a sharded category. Only meaningful
	// when !Frequent.
	Instance int

	// LocalIndex is the row within the owner's shard. Only meaningful when
	// !Frequent.
	LocalIndex uint32
}

const noSlot = math.MaxUint32

// Table is an immutable placement snapshot. Build one with Build.
type Table struct {
	topo          *topology.Topology
	numCategories int
	numFrequent   int

	frequentSlot       []uint32               // category -> slot, or noSlot.
	frequentCategories []statistics.Category  // slot -> category, rank order.
	shardRows          []uint64               // instance -> infrequent rows owned.

	snapshotID uuid.UUID
}

// Build assigns the numFrequent highest-ranked categories to replicated
// cache slots, in rank order, and leaves the rest sharded by Owner. Every
// category lands in exactly one of the two placements.
func Build(numFrequent int, r *statistics.Ranking, topo *topology.Topology) (*Table, error) {
	if r == nil || topo == nil {
		return nil, errors.New("placement: ranking and topology are required")
	}
	if numFrequent < 0 || numFrequent > r.NumCategories() {
		return nil, errors.Errorf("placement: num frequent %d out of range [0, %d]",
			numFrequent, r.NumCategories())
	}
	t := &Table{
		topo:               topo,
		numCategories:      r.NumCategories(),
		numFrequent:        numFrequent,
		frequentSlot:       make([]uint32, r.NumCategories()),
		frequentCategories: make([]statistics.Category, numFrequent),
		shardRows:          make([]uint64, topo.NumInstances()),
		snapshotID:         uuid.New(),
	}
	for i := range t.frequentSlot {
		t.frequentSlot[i] = noSlot
	}
	for rank := 0; rank < numFrequent; rank++ {
		c := r.Category(rank)
		t.frequentSlot[c] = uint32(rank)
		t.frequentCategories[rank] = c
	}
	numInstances := topo.NumInstances()
	for c := 0; c < t.numCategories; c++ {
		if t.frequentSlot[c] == noSlot {
			t.shardRows[c%numInstances]++
		}
	}
	klog.V(1).Infof("Built placement snapshot %s: %d frequent, %d infrequent categories over %s",
		t.snapshotID, numFrequent, t.NumInfrequent(), topo)
	return t, nil
}

// NumCategories returns the size of the category id space.
func (t *Table) NumCategories() int { return t.numCategories }

// NumFrequent returns the number of replicated categories.
func (t *Table) NumFrequent() int { return t.numFrequent }

// NumInfrequent returns the number of sharded categories. Together with
// NumFrequent it always accounts for every category exactly once.
func (t *Table) NumInfrequent() int { return t.numCategories - t.numFrequent }

// Topology returns the fabric the table was built for, including the
// per-node instance counts hierarchical collectives need.
func (t *Table) Topology() *topology.Topology { return t.topo }

// SnapshotID identifies this build of the table. Rebalancing produces a new
// table with a new id.
func (t *Table) SnapshotID() uuid.UUID { return t.snapshotID }

// Lookup returns the placement of category c. It panics if c is out of
// range.
func (t *Table) Lookup(c statistics.Category) Location {
	if int(c) >= t.numCategories {
		exceptions.Panicf("placement: category %d out of range [0, %d)", c, t.numCategories)
	}
	if slot := t.frequentSlot[c]; slot != noSlot {
		return Location{Frequent: true, Slot: slot}
	}
	instance, localIndex := Owner(c, t.topo.NumInstances())
	return Location{Instance: instance, LocalIndex: localIndex}
}

// FrequentSlot returns the replicated cache slot of c, or false if c is
// sharded. It panics if c is out of range.
func (t *Table) FrequentSlot(c statistics.Category) (uint32, bool) {
	if int(c) >= t.numCategories {
		exceptions.Panicf("placement: category %d out of range [0, %d)", c, t.numCategories)
	}
	slot := t.frequentSlot[c]
	return slot, slot != noSlot
}

// FrequentCategories returns a copy of the replicated categories in slot
// order, which is frequency-rank order.
func (t *Table) FrequentCategories() []statistics.Category {
	return slices.Clone(t.frequentCategories)
}

// Owner returns the owning instance and shard-local row of a sharded
// category: instance = id mod numInstances, row = id div numInstances.
// It is a pure function so every instance computes the same answer with no
// shared state.
func Owner(c statistics.Category, numInstances int) (instance int, localIndex uint32) {
	if numInstances < 1 {
		exceptions.Panicf("placement: num instances must be >= 1, got %d", numInstances)
	}
	n := statistics.Category(numInstances)
	return int(c % n), uint32(c / n)
}

// ShardRows returns how many infrequent rows the given instance owns.
func (t *Table) ShardRows(instance int) uint64 {
	if instance < 0 || instance >= len(t.shardRows) {
		exceptions.Panicf("placement: instance %d out of range [0, %d)", instance, len(t.shardRows))
	}
	return t.shardRows[instance]
}

// CacheBytesPerInstance returns the memory every instance spends on the
// replicated frequent cache, for embedding vectors of vectorBytes each.
func (t *Table) CacheBytesPerInstance(vectorBytes int) uint64 {
	return uint64(t.numFrequent) * uint64(vectorBytes)
}

// String implements fmt.Stringer.
func (t *Table) String() string {
	return fmt.Sprintf("Placement(%d frequent / %d categories, snapshot %s)",
		t.numFrequent, t.numCategories, t.snapshotID)
}
