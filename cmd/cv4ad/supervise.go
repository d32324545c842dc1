package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/health"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/status"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/supervisor"
)

func (a *app) superviseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Keep the simulator running and restart it between jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.supervise(cmd.Context())
		},
	}
}

func (a *app) supervise(ctx context.Context) error {
	sc := a.cfg.Simulator
	channel := status.NewChannel(a.cfg.Channel.Path, a.logger)

	pub, closePub := a.newPublisher(ctx, "supervisor")
	defer closePub()

	launcher := &supervisor.ExecLauncher{
		Command:      sc.Command,
		Args:         sc.Args,
		Dir:          sc.Dir,
		MatchPattern: sc.MatchPattern,
		StartupGrace: sc.StartupGrace,
		StopGrace:    sc.StopGrace,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		Logger:       a.logger,
	}
	sup := supervisor.New(channel, launcher, supervisor.Config{
		PollInterval: sc.PollInterval,
		RestartPause: sc.RestartPause,
		StopTimeout:  sc.StopGrace + 30*time.Second,
	}, a.logger, supervisor.WithEvents(pub))

	stopAdmin := a.startAdmin(channel, pub, health.NewFuncChecker("simulator", false, func(context.Context) (map[string]interface{}, error) {
		snap := sup.Snapshot()
		details := map[string]interface{}{
			"running":  snap.Running,
			"pid":      snap.PID,
			"starts":   snap.Starts,
			"restarts": snap.Restarts,
		}
		if !snap.Running {
			return details, errors.New("simulator not running")
		}
		return details, nil
	}))
	defer stopAdmin()

	return sup.Run(ctx)
}
