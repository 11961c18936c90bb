package main

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/hybridembed/internal/testgen"
	"github.com/gomlx/hybridembed/internal/workerspool"
	"github.com/gomlx/hybridembed/statistics"
)

// statsFlags selects where the frequency statistics come from: a raw
// category file or a synthetic skewed stream.
type statsFlags struct {
	dataPath   string
	synthetic  bool
	alpha      float64
	seed       int64
	numBatches int
}

// buildHistogram accumulates the frequency histogram the planner works from.
// Rows are grouped into workload-sized batches so the accumulation can fan
// out over the workers pool.
func buildHistogram(cfg *jobConfig, src statsFlags) (*statistics.Histogram, error) {
	batchSize := cfg.workload.BatchSize
	pool := workerspool.New()

	if src.synthetic == (src.dataPath != "") {
		return nil, errors.New("exactly one of --data and --synthetic is required")
	}
	if src.synthetic {
		gen, err := testgen.New(testgen.Config{
			TableSizes: cfg.tableSizes,
			Alpha:      src.alpha,
			Seed:       src.seed,
		})
		if err != nil {
			return nil, err
		}
		return statistics.FromBatches(cfg.numCategories, batchSize,
			gen.Batches(src.numBatches, batchSize), pool)
	}

	batches, tail, err := loadBatches(src.dataPath, len(cfg.tableSizes), batchSize)
	if err != nil {
		return nil, err
	}
	hist, err := statistics.FromBatches(cfg.numCategories, batchSize, batches, pool)
	if err != nil {
		return nil, err
	}
	if len(tail) > 0 {
		if err := hist.AccumulateFlattened(tail, len(tail)/len(cfg.tableSizes)); err != nil {
			return nil, err
		}
	}
	return hist, nil
}

// loadBatches reads sample-major little-endian uint32 category ids from path
// and groups them into batches of batchSize samples. The leftover rows that
// do not fill a last batch are returned separately.
func loadBatches(path string, numFeatures, batchSize int) (batches [][]statistics.Category, tail []statistics.Category, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening category data")
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading category data")
	}
	if info.Size()%4 != 0 {
		return nil, nil, errors.Errorf("category data %q holds %d bytes, not whole uint32 ids", path, info.Size())
	}
	numIDs := int(info.Size() / 4)
	if numIDs%numFeatures != 0 {
		return nil, nil, errors.Errorf("category data %q holds %d ids, not whole samples of %d features",
			path, numIDs, numFeatures)
	}
	numRows := numIDs / numFeatures

	bar := progressbar.NewOptions(int(info.Size()),
		progressbar.OptionSetDescription("reading category ids"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	reader := bufio.NewReaderSize(io.TeeReader(f, bar), 1<<20)

	for start := 0; start < numRows; start += batchSize {
		rows := min(batchSize, numRows-start)
		raw := make([]byte, rows*numFeatures*4)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, nil, errors.Wrapf(err, "reading category data %q", path)
		}
		ids := make([]statistics.Category, rows*numFeatures)
		for i := range ids {
			ids[i] = statistics.Category(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		if rows == batchSize {
			batches = append(batches, ids)
		} else {
			tail = ids
		}
	}
	_ = bar.Finish()
	return batches, tail, nil
}
