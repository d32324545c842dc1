package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/collector"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/conditions"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/sim"
)

func (a *app) collectCommand() *cobra.Command {
	var opts collector.Options
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect one job's samples from a running simulator",
		Long: `collect connects to the simulator bridge, walks the condition presets in
--condition-file and saves synchronized sensor bundles under --output until
the sample budget is met. It exits 0 only when the budget was met.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Seeded = cmd.Flags().Changed("seed")
			return a.collect(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Condition, "condition", "", "condition name")
	f.StringVar(&opts.ConditionFile, "condition-file", "", "YAML file with the condition's presets")
	f.Int64Var(&opts.Seed, "seed", 0, "traffic and spawn seed (random when omitted)")
	f.StringVar(&opts.OutputDir, "output", "", "output directory")
	f.IntVar(&opts.Images, "images", 0, "number of samples to save")
	f.IntVar(&opts.BurstImages, "burst-images", 0, "burst mode: consecutive captures per burst")
	f.IntVar(&opts.Bursts, "bursts", 0, "burst mode: number of bursts")
	f.IntVar(&opts.BurstGap, "burst-gap", 0, "burst mode: captures skipped between bursts")
	f.BoolVar(&opts.Debug, "debug", false, "debug logging")
	f.BoolVar(&opts.BoundingBoxes, "bbox", false, "write bounding-box sidecars")
	_ = cmd.MarkFlagRequired("condition")
	_ = cmd.MarkFlagRequired("condition-file")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func (a *app) collect(ctx context.Context, opts collector.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	set, err := conditions.LoadSet(opts.ConditionFile)
	if err != nil {
		return err
	}
	logger := a.logger.With(zap.String("condition", opts.Condition))

	wc := a.cfg.Worker
	env, err := sim.Dial(ctx, wc.BridgeURL, wc.ConnectTimeout, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	w, err := collector.NewWorker(env, opts, set, wc, logger)
	if err != nil {
		return err
	}
	res, err := w.Run(ctx)
	if err != nil {
		return fmt.Errorf("collection run %s: %w", w.RunID(), err)
	}
	logger.Info("Collection complete",
		zap.Int("saved", res.Saved),
		zap.Int("partial", res.Partial),
		zap.Int("agents_replaced", res.AgentsReplaced),
	)
	return nil
}
