// Command cv4ad runs CARLA data collection as three cooperating processes:
// "supervise" keeps the simulator alive, "schedule" walks the job matrix,
// and "collect" is the short-lived worker the scheduler starts per job.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/config"
)

type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cv4ad",
		Short:         "Crash-tolerant CARLA data collection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $CV4AD_CONFIG)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override observability.logging.level")

	root.AddCommand(a.superviseCommand(), a.scheduleCommand(), a.collectCommand())
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Observability.Logging.Level = a.logLevel
	}
	if f := cmd.Flags().Lookup("debug"); f != nil && f.Value.String() == "true" {
		cfg.Observability.Logging.Level = "debug"
	}
	logger, err := config.NewLogger(cfg.Observability.Logging)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.With(zap.String("process", cmd.Name()))
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := a.rootCommand().ExecuteContext(ctx)
	if a.logger != nil {
		defer a.logger.Sync()
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		if a.logger != nil {
			a.logger.Info("Interrupted")
		}
		return 130
	default:
		if a.logger != nil {
			a.logger.Error("Exiting with error", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "cv4ad:", err)
		}
		return 1
	}
}
