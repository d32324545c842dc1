package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/conditions"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/config"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/health"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/ledger"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/scheduler"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/status"
)

func (a *app) scheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run one collection worker per job until the matrix is done",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.schedule(cmd.Context())
		},
	}
}

func (a *app) schedule(ctx context.Context) error {
	sc := a.cfg.Scheduler
	names, err := conditionNames(sc)
	if err != nil {
		return err
	}
	// Fail here rather than in every worker.
	for _, name := range names {
		if _, err := conditions.LoadSet(conditionFile(sc, name)); err != nil {
			return fmt.Errorf("condition %q: %w", name, err)
		}
	}

	seeds := scheduler.GenerateSeeds(scheduler.SeedCount(sc.TotalSamples, sc.PerJobCap), sc.MasterSeed)
	jobs, err := scheduler.BuildJobMatrix(names, seeds, sc.PerJobCap, sc.TotalSamples, sc.OutputRoot)
	if err != nil {
		return err
	}
	if err := scheduler.WriteMatrix(sc.OutputRoot, sc.MasterSeed, sc.PerJobCap, sc.TotalSamples, jobs); err != nil {
		return err
	}
	a.logger.Info("Job matrix built",
		zap.Strings("conditions", names),
		zap.Int("seeds", len(seeds)),
		zap.Int("jobs", len(jobs)),
	)

	store, err := ledger.Open(ctx, sc.LedgerPath, a.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	command, err := a.workerCommand()
	if err != nil {
		return err
	}
	runner := &scheduler.ExecRunner{
		Command:       command,
		ConditionsDir: sc.ConditionsDir,
		Burst: scheduler.BurstSettings{
			ImagesPerBurst: sc.Burst.ImagesPerBurst,
			Gap:            sc.Burst.Gap,
		},
		Debug:         sc.WorkerDebug,
		BoundingBoxes: sc.BoundingBoxes,
		KillGrace:     30 * time.Second,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
		Logger:        a.logger,
	}

	channel := status.NewChannel(a.cfg.Channel.Path, a.logger)
	pub, closePub := a.newPublisher(ctx, "scheduler")
	defer closePub()

	sched, err := scheduler.New(channel, runner, jobs, scheduler.Config{
		PollInterval:   a.cfg.Channel.PollInterval,
		CrashThreshold: sc.CrashThreshold,
		CrashCooldown:  sc.CrashCooldown,
	}, a.logger, scheduler.WithLedger(store), scheduler.WithEvents(pub))
	if err != nil {
		return err
	}

	stopAdmin := a.startAdmin(channel, pub,
		health.NewFuncChecker("ledger", true, func(ctx context.Context) (map[string]interface{}, error) {
			return map[string]interface{}{"path": sc.LedgerPath}, store.Ping(ctx)
		}),
		health.NewFuncChecker("progress", false, func(context.Context) (map[string]interface{}, error) {
			done, total := sched.Progress()
			details := map[string]interface{}{"done": done, "total": total}
			if job, ok := sched.Current(); ok {
				details["current"] = job.ID()
			}
			return details, nil
		}),
	)
	defer stopAdmin()

	return sched.Run(ctx)
}

// conditionNames returns the configured conditions, or every *.yaml file
// in the conditions directory, sorted, when none are configured.
func conditionNames(sc config.SchedulerConfig) ([]string, error) {
	if len(sc.Conditions) > 0 {
		return sc.Conditions, nil
	}
	matches, err := filepath.Glob(filepath.Join(sc.ConditionsDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	if len(matches) == 0 {
		return nil, errors.New("no conditions configured and none found in " + sc.ConditionsDir)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

func conditionFile(sc config.SchedulerConfig, name string) string {
	return filepath.Join(sc.ConditionsDir, name+".yaml")
}

// workerCommand is the configured worker command, or this binary's own
// collect subcommand. The config file is passed on so the worker sees the
// same settings.
func (a *app) workerCommand() ([]string, error) {
	command := append([]string{}, a.cfg.Scheduler.WorkerCommand...)
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		command = []string{exe, "collect"}
	}
	if a.configPath != "" {
		command = append(command, "--config", a.configPath)
	}
	return command, nil
}
