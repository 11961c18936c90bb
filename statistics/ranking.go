package statistics

import (
	"slices"
	"sort"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
)

// Ranking is a frequency ordering of every category of a histogram: highest
// count first, ties broken by ascending category id. The tie rule makes the
// ordering, and everything derived from it, bit-for-bit reproducible for a
// given histogram.
type Ranking struct {
	categories []Category // rank -> category id
	counts     []uint64   // rank -> occurrence count, non-increasing
	cum        []uint64   // cum[i] = counts[0] + ... + counts[i]
	cumF       []float64  // float view of cum, for ratio math
	total      uint64
	numSamples uint64
}

// Ranked returns the frequency ranking of the histogram. The ranking is
// built lazily and cached until the histogram is next mutated.
func (h *Histogram) Ranked() *Ranking {
	if h.ranking != nil {
		return h.ranking
	}
	n := len(h.counts)
	r := &Ranking{
		categories: make([]Category, n),
		counts:     make([]uint64, n),
		total:      h.total,
		numSamples: h.numSamples,
	}
	for i := range r.categories {
		r.categories[i] = Category(i)
	}
	slices.SortFunc(r.categories, func(a, b Category) int {
		ca, cb := h.counts[a], h.counts[b]
		if ca != cb {
			if ca > cb {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	})
	for i, c := range r.categories {
		r.counts[i] = h.counts[c]
	}
	r.cum = make([]uint64, n)
	var sum uint64
	for i, c := range r.counts {
		sum += c
		r.cum[i] = sum
	}
	r.cumF = make([]float64, n)
	for i, c := range r.counts {
		r.cumF[i] = float64(c)
	}
	floats.CumSum(r.cumF, r.cumF) // in place: cumF starts out holding the counts.
	h.ranking = r
	return r
}

// NumCategories returns the number of ranked categories, which is the full
// category space of the source histogram (zero-count categories rank last).
func (r *Ranking) NumCategories() int { return len(r.categories) }

// NumSamples returns the sample count of the source histogram.
func (r *Ranking) NumSamples() uint64 { return r.numSamples }

// Total returns the total occurrences of the source histogram.
func (r *Ranking) Total() uint64 { return r.total }

// Category returns the category id at the given rank.
func (r *Ranking) Category(rank int) Category {
	r.checkRank(rank, len(r.categories)-1)
	return r.categories[rank]
}

// Count returns the occurrence count at the given rank.
func (r *Ranking) Count(rank int) uint64 {
	r.checkRank(rank, len(r.counts)-1)
	return r.counts[rank]
}

// Categories returns a copy of the ranked category ids.
func (r *Ranking) Categories() []Category { return slices.Clone(r.categories) }

// Counts returns a copy of the ranked occurrence counts.
func (r *Ranking) Counts() []uint64 { return slices.Clone(r.counts) }

// CumulativeCounts returns a copy of the cumulative counts per rank, as
// floats.
func (r *Ranking) CumulativeCounts() []float64 { return slices.Clone(r.cumF) }

// TopCount returns the total occurrences of the k highest-ranked categories.
// k may be 0 or NumCategories, covering the all-infrequent and all-frequent
// extremes.
func (r *Ranking) TopCount(k int) uint64 {
	r.checkRank(k, len(r.cum))
	if k == 0 {
		return 0
	}
	return r.cum[k-1]
}

// TailCount returns the total occurrences of all categories ranked k or
// lower, the occurrences that stay infrequent when the top k become
// frequent.
func (r *Ranking) TailCount(k int) uint64 {
	return r.total - r.TopCount(k)
}

// NumWithCountAtLeast returns how many categories have a count of at least
// threshold. Since counts tie-break deterministically, the first
// NumWithCountAtLeast(x) ranks are exactly the categories counted.
func (r *Ranking) NumWithCountAtLeast(threshold float64) int {
	return sort.Search(len(r.counts), func(i int) bool {
		return float64(r.counts[i]) < threshold
	})
}

func (r *Ranking) checkRank(k, max int) {
	if k < 0 || k > max {
		exceptions.Panicf("statistics: rank %d out of range [0, %d]", k, max)
	}
}
