package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/warp/blend-engine/config"
	"github.com/warp/blend-engine/factory"
	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
	"github.com/warp/blend-engine/store/sqlite"
)

// =============================================================================
// SELECT COMMAND - Offline proposal
// =============================================================================

type selectFlags struct {
	targetPath string
	preset     string
	units      int
	poolPath   string
	dbPath     string
	seed       int64
	include    []string
	exclude    []string
}

func newSelectCmd() *cobra.Command {
	var f selectFlags
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Build a proposal without committing it",
		Long: `Runs the optimizer against a pool file (YAML or JSON list of batches)
or, without --pool, against the available batches in the database.
The proposal is printed as YAML. Nothing is written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if f.dbPath == "" {
				f.dbPath = cfg.DB.Path
			}
			var seed *uint64
			if cmd.Flags().Changed("seed") {
				s := uint64(f.seed)
				seed = &s
			}
			return runSelect(cmd.Context(), cmd.OutOrStdout(), cfg, f, seed)
		},
	}
	cmd.Flags().StringVar(&f.targetPath, "target", "", "target JSON file")
	cmd.Flags().StringVar(&f.preset, "preset", "", "named target preset (capsule, confectionery, technical)")
	cmd.Flags().IntVar(&f.units, "units", 0, "desired units")
	cmd.Flags().StringVar(&f.poolPath, "pool", "", "pool file; reads the database when empty")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite database path")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "seed for outside-range draws")
	cmd.Flags().StringSliceVar(&f.include, "include", nil, "forced picks, e.g. internal:4")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "forced exclusions")
	_ = cmd.MarkFlagRequired("units")
	cmd.MarkFlagsMutuallyExclusive("target", "preset")
	cmd.MarkFlagsOneRequired("target", "preset")
	return cmd
}

func runSelect(ctx context.Context, out io.Writer, cfg config.Config, f selectFlags, seed *uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	targets := factory.NewTargetFactory()

	var raw string
	if f.targetPath != "" {
		data, err := os.ReadFile(f.targetPath)
		if err != nil {
			return fmt.Errorf("read target: %w", err)
		}
		raw = string(data)
	} else {
		p, ok := factory.GetPreset(f.preset)
		if !ok {
			return fmt.Errorf("unknown preset %q", f.preset)
		}
		raw = p.JSON
	}
	spec, err := targets.ParseTarget(raw)
	if err != nil {
		return err
	}

	include, err := parseKeys(f.include)
	if err != nil {
		return err
	}
	exclude, err := parseKeys(f.exclude)
	if err != nil {
		return err
	}

	var pool []quality.Batch
	if f.poolPath != "" {
		pool, err = readPool(f.poolPath)
	} else {
		pool, err = dbPool(ctx, f.dbPath, cfg.FiscalYear())
	}
	if err != nil {
		return err
	}

	proposal, err := optimizer.New(cfg.OptimizerOptions()).Select(pool, spec, optimizer.Request{
		ForcedInclude: include,
		ForcedExclude: exclude,
		DesiredUnits:  f.units,
		Seed:          seed,
	})
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(toProposalYAML(proposal))
}

func parseKeys(raw []string) ([]quality.BatchKey, error) {
	keys := make([]quality.BatchKey, 0, len(raw))
	for _, s := range raw {
		k, err := quality.ParseBatchKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func dbPool(ctx context.Context, path string, fiscal quality.FiscalYearConfig) ([]quality.Batch, error) {
	s, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer s.Close()
	return quality.NewInventory(s, fiscal).Pool(ctx, quality.PoolQuery{})
}

// =============================================================================
// POOL FILE
// =============================================================================

// poolRow is one batch of a pool file.
type poolRow struct {
	Key         string             `yaml:"key"`
	Numeric     map[string]float64 `yaml:"numeric"`
	Categorical map[string]string  `yaml:"categorical"`
	State       string             `yaml:"state"`
}

func readPool(path string) ([]quality.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	return parsePool(data)
}

// parsePool accepts YAML or JSON (a YAML subset).
func parsePool(data []byte) ([]quality.Batch, error) {
	var rows []poolRow
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse pool: %w", err)
	}

	pool := make([]quality.Batch, 0, len(rows))
	for i, row := range rows {
		key, err := quality.ParseBatchKey(row.Key)
		if err != nil {
			return nil, fmt.Errorf("pool row %d: %w", i+1, err)
		}
		b := quality.Batch{
			Key:         key,
			Numeric:     make(map[quality.Attribute]float64, len(row.Numeric)),
			Categorical: make(map[quality.Attribute]string, len(row.Categorical)),
			State:       quality.StateAvailable,
		}
		if row.State != "" {
			b.State = quality.UsageState(strings.ToLower(row.State))
			if !b.State.Valid() {
				return nil, fmt.Errorf("pool row %d: unknown state %q", i+1, row.State)
			}
		}
		for attr, v := range row.Numeric {
			b.Numeric[quality.Attribute(strings.ToLower(attr))] = v
		}
		for attr, v := range row.Categorical {
			b.Categorical[quality.Attribute(strings.ToLower(attr))] = v
		}
		pool = append(pool, b)
	}
	return pool, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

type proposalYAML struct {
	Strategy       string             `yaml:"strategy"`
	Satisfied      bool               `yaml:"satisfied"`
	RequestedUnits int                `yaml:"requested_units"`
	AllocatedUnits int                `yaml:"allocated_units"`
	Allocations    []allocationYAML   `yaml:"allocations"`
	Averages       map[string]float64 `yaml:"averages,omitempty"`
	Labels         map[string]string  `yaml:"labels,omitempty"`
	Findings       []string           `yaml:"findings,omitempty"`
	Notices        []noticeYAML       `yaml:"notices,omitempty"`
}

type allocationYAML struct {
	Batch  string  `yaml:"batch"`
	Units  int     `yaml:"units"`
	Bloom  float64 `yaml:"bloom"`
	Forced bool    `yaml:"forced,omitempty"`
}

type noticeYAML struct {
	Code    string `yaml:"code"`
	Message string `yaml:"message"`
}

func toProposalYAML(p optimizer.Proposal) proposalYAML {
	out := proposalYAML{
		Strategy:       string(p.Strategy),
		Satisfied:      p.Satisfied,
		RequestedUnits: p.RequestedUnits,
		AllocatedUnits: p.AllocatedUnits,
		Allocations:    make([]allocationYAML, 0, len(p.Allocations)),
	}
	for _, a := range p.Allocations {
		bloom, _ := a.Batch.Primary()
		out.Allocations = append(out.Allocations, allocationYAML{
			Batch:  a.Batch.Key.String(),
			Units:  a.Units,
			Bloom:  bloom,
			Forced: a.Forced,
		})
	}
	if len(p.Averages.Numeric) > 0 {
		out.Averages = make(map[string]float64, len(p.Averages.Numeric))
		for attr, v := range p.Averages.Numeric {
			out.Averages[string(attr)] = v
		}
	}
	if len(p.Averages.Categorical) > 0 {
		out.Labels = make(map[string]string, len(p.Averages.Categorical))
		for attr, v := range p.Averages.Categorical {
			out.Labels[string(attr)] = v
		}
	}
	for _, f := range p.Findings {
		mark := "ok"
		if !f.Satisfied {
			mark = "violated"
		}
		out.Findings = append(out.Findings, fmt.Sprintf("[%s] %s", mark, f.Message))
	}
	for _, n := range p.Notices {
		out.Notices = append(out.Notices, noticeYAML{Code: string(n.Code), Message: n.Message})
	}
	return out
}
