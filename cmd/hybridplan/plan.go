package main

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/gomlx/hybridembed/calibration"
	"github.com/gomlx/hybridembed/placement"
	"github.com/gomlx/hybridembed/planner"
	"github.com/gomlx/hybridembed/statistics"
)

func planCmd() *cli.Command {
	var (
		configPath      string
		calibrationPath string
		outPath         string
		src             statsFlags
	)
	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML job description", Destination: &configPath, Required: true},
		&cli.StringFlag{Name: "calibration", Usage: "collective calibration JSON", Destination: &calibrationPath, Required: true},
		&cli.StringFlag{Name: "out", Usage: "write the decision as JSON", Destination: &outPath},
	}, statsSourceFlags(&src)...)

	return &cli.Command{
		Name:  "plan",
		Usage: "Choose the number of replicated categories and build the placement",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			data, err := calibration.Load(calibrationPath)
			if err != nil {
				return err
			}
			hist, err := buildHistogram(cfg, src)
			if err != nil {
				return err
			}
			ranking := hist.Ranked()

			plan, err := planner.ChooseNumFrequent(cfg.commType, data, ranking, cfg.workload, cfg.topo)
			if err != nil {
				return err
			}
			// The planner only returns thresholds in range, so Build cannot fail here.
			table := must.M1(placement.Build(plan.NumFrequent, ranking, cfg.topo))

			printPlan(cfg, plan, table, ranking)
			if outPath != "" {
				if err := writePlan(outPath, cfg, plan, table); err != nil {
					return err
				}
				fmt.Printf("Wrote decision to %s\n", outPath)
			}
			return nil
		},
	}
}

func printPlan(cfg *jobConfig, plan planner.Plan, table *placement.Table, ranking *statistics.Ranking) {
	fmt.Println(titleStyle.Render("Hybrid Embedding Plan"))
	t := newPlainTable(false)
	t.Row("communication", plan.CommunicationType.String())
	t.Row("topology", cfg.topo.String())
	t.Row("snapshot", table.SnapshotID().String())
	t.Row("frequent categories", fmt.Sprintf("%s of %s (%.2f%%)",
		humanize.Comma(int64(plan.NumFrequent)), humanize.Comma(int64(table.NumCategories())),
		100*float64(plan.NumFrequent)/float64(max(table.NumCategories(), 1))))
	if total := ranking.Total(); total > 0 {
		t.Row("replicated occurrences", fmt.Sprintf("%.2f%%",
			100*float64(ranking.TopCount(plan.NumFrequent))/float64(total)))
	}
	t.Row("replicated cache / instance", humanize.Bytes(table.CacheBytesPerInstance(int(cfg.workload.VectorBytes()))))
	minRows, maxRows := uint64(math.MaxUint64), uint64(0)
	for g := 0; g < cfg.topo.NumInstances(); g++ {
		rows := table.ShardRows(g)
		minRows = min(minRows, rows)
		maxRows = max(maxRows, rows)
	}
	t.Row("shard rows / instance", fmt.Sprintf("%s to %s",
		humanize.Comma(int64(minRows)), humanize.Comma(int64(maxRows))))
	fmt.Println(t.Render())

	fmt.Println(titleStyle.Render("Modeled Collective Cost"))
	ct := newPlainTable(false)
	ct.Row("all-reduce bytes / iteration / instance", humanize.Bytes(uint64(plan.Cost.AllReduceBytes)))
	ct.Row("all-to-all bytes / iteration / instance", humanize.Bytes(uint64(plan.Cost.AllToAllBytes)))
	ct.Row("all-reduce time", fmt.Sprintf("%.4gs", plan.Cost.AllReduceSec))
	ct.Row("all-to-all time", fmt.Sprintf("%.4gs", plan.Cost.AllToAllSec))
	ct.Row("total collective time", fmt.Sprintf("%.4gs over %s iterations",
		plan.Cost.TotalSec, humanize.Comma(int64(cfg.workload.NumIterations))))
	fmt.Println(ct.Render())
}

// planFileJSON is the machine-readable form of a decision, enough for a
// training job to rebuild the same placement.
type planFileJSON struct {
	SnapshotID     string   `json:"snapshot_id"`
	Communication  string   `json:"communication"`
	NumCategories  int      `json:"num_categories"`
	NumFrequent    int      `json:"num_frequent"`
	AllReduceBytes float64  `json:"all_reduce_bytes_per_iteration"`
	AllToAllBytes  float64  `json:"all_to_all_bytes_per_iteration"`
	TotalSec       float64  `json:"total_collective_sec"`
	CacheBytes     uint64   `json:"cache_bytes_per_instance"`
	ShardRows      []uint64 `json:"shard_rows_per_instance"`
}

func writePlan(path string, cfg *jobConfig, plan planner.Plan, table *placement.Table) error {
	out := planFileJSON{
		SnapshotID:     table.SnapshotID().String(),
		Communication:  plan.CommunicationType.String(),
		NumCategories:  table.NumCategories(),
		NumFrequent:    plan.NumFrequent,
		AllReduceBytes: plan.Cost.AllReduceBytes,
		AllToAllBytes:  plan.Cost.AllToAllBytes,
		TotalSec:       plan.Cost.TotalSec,
		CacheBytes:     table.CacheBytesPerInstance(int(cfg.workload.VectorBytes())),
		ShardRows:      make([]uint64, 0, table.Topology().NumInstances()),
	}
	for g := 0; g < table.Topology().NumInstances(); g++ {
		out.ShardRows = append(out.ShardRows, table.ShardRows(g))
	}
	blob, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding plan")
	}
	return errors.Wrapf(os.WriteFile(path, blob, 0644), "writing plan %q", path)
}
