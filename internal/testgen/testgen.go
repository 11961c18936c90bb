// Package testgen draws synthetic category batches with a controlled
// frequency skew, so the planner and placement can be exercised without real
// training data.
package testgen

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/hybridembed/statistics"
)

// Config describes the synthetic workload.
type Config struct {
	// TableSizes gives the number of categories of each feature table.
	TableSizes []int

	// Alpha is the power law exponent: within a table, category c is drawn
	// with probability proportional to (c+1)^-Alpha. 0 is uniform; the skews
	// of real recommender tables tend to sit between 1.05 and 1.3.
	Alpha float64

	// Seed makes the stream reproducible.
	Seed int64
}

// Generator draws batches of globally unique category ids, sample-major with
// one column per feature table. Not safe for concurrent use.
type Generator struct {
	cfg     Config
	offsets []statistics.Category
	cums    [][]float64 // per table, cumulative unnormalized weights
	rng     *rand.Rand
}

// New validates cfg and builds the per-table sampling tables.
func New(cfg Config) (*Generator, error) {
	if len(cfg.TableSizes) == 0 {
		return nil, errors.New("testgen: at least one feature table is required")
	}
	if cfg.Alpha < 0 {
		return nil, errors.Errorf("testgen: alpha must be >= 0, got %g", cfg.Alpha)
	}
	offsets, err := statistics.TableOffsets(cfg.TableSizes)
	if err != nil {
		return nil, err
	}
	cums := make([][]float64, len(cfg.TableSizes))
	for f, size := range cfg.TableSizes {
		w := make([]float64, size)
		for c := range w {
			w[c] = math.Pow(float64(c+1), -cfg.Alpha)
		}
		floats.CumSum(w, w) // in place: w starts out holding the weights
		cums[f] = w
	}
	return &Generator{
		cfg:     cfg,
		offsets: offsets,
		cums:    cums,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// NumCategories returns the size of the global category id space.
func (g *Generator) NumCategories() int {
	return int(g.offsets[len(g.cfg.TableSizes)])
}

// NumFeatures returns the number of feature tables per sample.
func (g *Generator) NumFeatures() int { return len(g.cfg.TableSizes) }

// Batch draws batchSize samples, one id per feature table each, flattened
// sample-major with globally unique ids (the AccumulateFlattened layout).
func (g *Generator) Batch(batchSize int) []statistics.Category {
	numFeatures := len(g.cfg.TableSizes)
	batch := make([]statistics.Category, 0, batchSize*numFeatures)
	for s := 0; s < batchSize; s++ {
		for f := 0; f < numFeatures; f++ {
			batch = append(batch, g.offsets[f]+g.drawLocal(f))
		}
	}
	return batch
}

// Batches draws numBatches consecutive batches of batchSize samples.
func (g *Generator) Batches(numBatches, batchSize int) [][]statistics.Category {
	out := make([][]statistics.Category, numBatches)
	for i := range out {
		out[i] = g.Batch(batchSize)
	}
	return out
}

// drawLocal draws one id local to table f by inverting the cumulative weights.
func (g *Generator) drawLocal(f int) statistics.Category {
	cum := g.cums[f]
	u := g.rng.Float64() * cum[len(cum)-1]
	return statistics.Category(sort.SearchFloat64s(cum, u))
}
