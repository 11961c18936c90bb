// Package statistics accumulates category occurrence counts from training
// batches and ranks categories by frequency.
//
// Counts are exact: concurrent accumulation works by filling one Histogram
// per goroutine and merging them, never by sampling. A Histogram is not safe
// for concurrent mutation; FromBatches wraps the accumulate-then-merge
// pattern over a workers pool.
//
// Category ids form a single id space [0, numCategories): ids from separate
// feature tables are made globally unique by adding per-table base offsets
// (see TableOffsets and AccumulatePerFeature).
package statistics

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/hybridembed/internal/workerspool"
)

// Category is a globally unique category id, in [0, numCategories).
type Category uint32

// Histogram holds exact occurrence counts per category, plus how many
// samples (batch rows) contributed them.
type Histogram struct {
	counts     []uint64
	total      uint64
	numSamples uint64

	ranking *Ranking // lazily built, dropped on mutation.
}

// NewHistogram creates an empty histogram over numCategories categories.
func NewHistogram(numCategories int) *Histogram {
	if numCategories < 0 {
		exceptions.Panicf("statistics: negative number of categories %d", numCategories)
	}
	return &Histogram{counts: make([]uint64, numCategories)}
}

// NumCategories returns the size of the category id space.
func (h *Histogram) NumCategories() int { return len(h.counts) }

// NumSamples returns how many samples (batch rows) were accumulated.
func (h *Histogram) NumSamples() uint64 { return h.numSamples }

// Total returns the total number of category occurrences accumulated.
func (h *Histogram) Total() uint64 { return h.total }

// Count returns the occurrence count of category c. It panics if c is out of
// range.
func (h *Histogram) Count(c Category) uint64 {
	if int(c) >= len(h.counts) {
		exceptions.Panicf("statistics: category %d out of range [0, %d)", c, len(h.counts))
	}
	return h.counts[c]
}

// AccumulateFlattened adds one batch whose ids are already globally unique.
// The batch is laid out sample-major with batchSize rows, so len(batch) must
// be a multiple of batchSize (the quotient being the number of features per
// sample).
func (h *Histogram) AccumulateFlattened(batch []Category, batchSize int) error {
	if batchSize <= 0 {
		return errors.Errorf("statistics: batch size must be positive, got %d", batchSize)
	}
	if len(batch)%batchSize != 0 {
		return errors.Errorf("statistics: batch of %d ids is not a whole number of samples at batch size %d",
			len(batch), batchSize)
	}
	for i, c := range batch {
		if int(c) >= len(h.counts) {
			return errors.Errorf("statistics: category id %d at position %d out of range [0, %d)",
				c, i, len(h.counts))
		}
		h.counts[c]++
	}
	h.total += uint64(len(batch))
	h.numSamples += uint64(batchSize)
	h.ranking = nil
	return nil
}

// AccumulatePerFeature adds one batch of raw per-table ids, laid out
// sample-major with one column per feature table: batch[s*F+f] is the id of
// sample s in table f, local to that table. Ids are made globally unique by
// adding the table's base offset; the table sizes must sum to the histogram's
// category space.
func (h *Histogram) AccumulatePerFeature(batch []Category, tableSizes []int, batchSize int) error {
	if batchSize <= 0 {
		return errors.Errorf("statistics: batch size must be positive, got %d", batchSize)
	}
	numFeatures := len(tableSizes)
	if numFeatures == 0 {
		return errors.New("statistics: at least one feature table is required")
	}
	if len(batch) != batchSize*numFeatures {
		return errors.Errorf("statistics: batch has %d ids, want batchSize(%d) x numFeatures(%d) = %d",
			len(batch), batchSize, numFeatures, batchSize*numFeatures)
	}
	offsets, err := TableOffsets(tableSizes)
	if err != nil {
		return err
	}
	if total := int(offsets[numFeatures]); total != len(h.counts) {
		return errors.Errorf("statistics: table sizes sum %d != num categories %d", total, len(h.counts))
	}
	for i, c := range batch {
		f := i % numFeatures
		if uint64(c) >= uint64(tableSizes[f]) {
			return errors.Errorf("statistics: id %d at position %d out of range [0, %d) of table %d",
				c, i, tableSizes[f], f)
		}
		h.counts[offsets[f]+c]++
	}
	h.total += uint64(len(batch))
	h.numSamples += uint64(batchSize)
	h.ranking = nil
	return nil
}

// TableOffsets converts per-table category counts to global base offsets,
// with one extra entry holding the total.
func TableOffsets(tableSizes []int) ([]Category, error) {
	offsets := make([]Category, len(tableSizes)+1)
	for f, size := range tableSizes {
		if size <= 0 {
			return nil, errors.Errorf("statistics: table %d has size %d, must be positive", f, size)
		}
		offsets[f+1] = offsets[f] + Category(size)
	}
	return offsets, nil
}

// Merge adds the counts of o into h. Both histograms must cover the same
// category space. Merging is associative and exact, which is what makes the
// per-goroutine accumulate-then-merge pattern equivalent to a serial pass.
func (h *Histogram) Merge(o *Histogram) error {
	if len(h.counts) != len(o.counts) {
		return errors.Errorf("statistics: cannot merge histogram over %d categories into one over %d",
			len(o.counts), len(h.counts))
	}
	for c, n := range o.counts {
		h.counts[c] += n
	}
	h.total += o.total
	h.numSamples += o.numSamples
	h.ranking = nil
	return nil
}

// FromBatches accumulates the given batches concurrently: contiguous runs of
// batches are reduced into per-worker histograms which are then merged. The
// result is identical to a serial pass. All batches share batchSize rows and
// globally unique ids (AccumulateFlattened layout). A nil pool runs serially.
func FromBatches(numCategories, batchSize int, batches [][]Category, pool *workerspool.Pool) (*Histogram, error) {
	h := NewHistogram(numCategories)
	if len(batches) == 0 {
		return h, nil
	}
	if pool == nil || !pool.IsEnabled() || len(batches) == 1 {
		for _, batch := range batches {
			if err := h.AccumulateFlattened(batch, batchSize); err != nil {
				return nil, err
			}
		}
		return h, nil
	}

	var mu sync.Mutex
	var firstErr error
	pool.ParallelizeRange(len(batches), 1, func(start, end int) {
		local := NewHistogram(numCategories)
		for _, batch := range batches[start:end] {
			if err := local.AccumulateFlattened(batch, batchSize); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
		}
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = h.Merge(local)
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	klog.V(1).Infof("Accumulated %d batches: %d samples, %d occurrences over %d categories",
		len(batches), h.numSamples, h.total, numCategories)
	return h, nil
}
