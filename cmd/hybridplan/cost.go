package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/gomlx/hybridembed/calibration"
	"github.com/gomlx/hybridembed/planner"
)

func costCmd() *cli.Command {
	var (
		configPath      string
		calibrationPath string
		candidateList   string
		src             statsFlags
	)
	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML job description", Destination: &configPath, Required: true},
		&cli.StringFlag{Name: "calibration", Usage: "collective calibration JSON", Destination: &calibrationPath, Required: true},
		&cli.StringFlag{Name: "num-frequent", Usage: "comma-separated thresholds to evaluate (default: a log sweep)", Destination: &candidateList},
	}, statsSourceFlags(&src)...)

	return &cli.Command{
		Name:  "cost",
		Usage: "Model the collective cost across candidate thresholds",
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

			candidates, err := parseCandidates(candidateList, ranking.NumCategories())
			if err != nil {
				return err
			}
			plan, err := planner.ChooseNumFrequent(cfg.commType, data, ranking, cfg.workload, cfg.topo)
			if err != nil {
				return err
			}
			candidates = append(candidates, plan.NumFrequent)
			slices.Sort(candidates)
			candidates = slices.Compact(candidates)

			fmt.Println(titleStyle.Render("Modeled Collective Cost Sweep"))
			table := newPlainTable(true)
			table.Headers("Frequent", "All-Reduce B/it", "All-to-All B/it",
				"All-Reduce s", "All-to-All s", "Total s", "")
			for _, k := range candidates {
				cost, err := planner.EstimateCost(cfg.commType, data, ranking, cfg.workload, cfg.topo, k)
				if err != nil {
					return err
				}
				mark := ""
				if k == plan.NumFrequent {
					mark = "chosen"
				}
				table.Row(
					humanize.Comma(int64(k)),
					humanize.Bytes(uint64(cost.AllReduceBytes)),
					humanize.Bytes(uint64(cost.AllToAllBytes)),
					fmt.Sprintf("%.4g", cost.AllReduceSec),
					fmt.Sprintf("%.4g", cost.AllToAllSec),
					fmt.Sprintf("%.4g", cost.TotalSec),
					mark,
				)
			}
			fmt.Println(table.Render())
			return nil
		},
	}
}

// parseCandidates turns the --num-frequent list into thresholds, or builds a
// logarithmic sweep over the category space when the list is empty.
func parseCandidates(s string, numCategories int) ([]int, error) {
	if s == "" {
		ks := []int{0}
		for k := 1; k < numCategories; k *= 10 {
			ks = append(ks, k)
		}
		ks = append(ks, numCategories)
		return ks, nil
	}
	parts := strings.Split(s, ",")
	ks := make([]int, 0, len(parts))
	for _, p := range parts {
		k, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing --num-frequent %q", s)
		}
		if k < 0 || k > numCategories {
			return nil, errors.Errorf("--num-frequent %d out of range [0, %d]", k, numCategories)
		}
		ks = append(ks, k)
	}
	return ks, nil
}
