package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/stat"

	"github.com/gomlx/hybridembed/statistics"
)

// statsSourceFlags returns the flags shared by every subcommand that needs
// frequency statistics.
func statsSourceFlags(src *statsFlags) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "data", Usage: "raw little-endian uint32 category file, sample-major", Destination: &src.dataPath},
		&cli.BoolFlag{Name: "synthetic", Usage: "draw a synthetic skewed stream instead of reading --data", Destination: &src.synthetic},
		&cli.Float64Flag{Name: "alpha", Usage: "power law skew of the synthetic stream", Value: 1.15, Destination: &src.alpha},
		&cli.Int64Flag{Name: "seed", Usage: "seed of the synthetic stream", Value: 42, Destination: &src.seed},
		&cli.IntFlag{Name: "num-batches", Usage: "synthetic batches to draw", Value: 64, Destination: &src.numBatches},
	}
}

func statsCmd() *cli.Command {
	var (
		configPath string
		topRanks   int
		src        statsFlags
	)
	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML job description", Destination: &configPath, Required: true},
		&cli.IntFlag{Name: "top", Usage: "head ranks to list", Value: 10, Destination: &topRanks},
	}, statsSourceFlags(&src)...)

	return &cli.Command{
		Name:  "stats",
		Usage: "Accumulate and report category frequency statistics",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			hist, err := buildHistogram(cfg, src)
			if err != nil {
				return err
			}
			printStats(cfg, hist, topRanks)
			return nil
		},
	}
}

func printStats(cfg *jobConfig, hist *statistics.Histogram, topRanks int) {
	ranking := hist.Ranked()
	total := ranking.Total()

	fmt.Println(titleStyle.Render("Frequency Statistics"))
	table := newPlainTable(false)
	table.Row("categories", humanize.Comma(int64(hist.NumCategories())))
	observed := ranking.NumWithCountAtLeast(1)
	table.Row("observed categories", fmt.Sprintf("%s (%.1f%%)",
		humanize.Comma(int64(observed)), 100*float64(observed)/float64(max(hist.NumCategories(), 1))))
	table.Row("samples", humanize.Comma(int64(hist.NumSamples())))
	table.Row("occurrences", humanize.Comma(int64(total)))
	table.Row("feature tables", humanize.Comma(int64(len(cfg.tableSizes))))
	fmt.Println(table.Render())

	if total == 0 {
		return
	}

	fmt.Println(titleStyle.Render("Head of the Ranking"))
	head := newPlainTable(true)
	head.Headers("Rank", "Category", "Count", "Share", "Cumulative")
	cum := ranking.CumulativeCounts()
	for rank := 0; rank < min(topRanks, ranking.NumCategories()); rank++ {
		count := ranking.Count(rank)
		head.Row(
			humanize.Comma(int64(rank)),
			humanize.Comma(int64(ranking.Category(rank))),
			humanize.Comma(int64(count)),
			fmt.Sprintf("%.3f%%", 100*float64(count)/float64(total)),
			fmt.Sprintf("%.3f%%", 100*cum[rank]/float64(total)),
		)
	}
	fmt.Println(head.Render())

	// Ranked counts are non-increasing; reversing gives the ascending order
	// the quantile estimator wants.
	counts := ranking.Counts()
	asc := make([]float64, len(counts))
	for i, c := range counts {
		asc[len(asc)-1-i] = float64(c)
	}
	fmt.Println(titleStyle.Render("Per-Category Count Quantiles"))
	qt := newPlainTable(true)
	qt.Headers("Quantile", "Count")
	for _, p := range []float64{0.5, 0.9, 0.99, 0.999, 1} {
		q := stat.Quantile(p, stat.Empirical, asc, nil)
		qt.Row(fmt.Sprintf("p%g", p*100), humanize.Comma(int64(q)))
	}
	fmt.Println(qt.Render())
}
