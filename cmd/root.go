package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/roadside/app"
	"github.com/kilianp07/roadside/config"
	coremon "github.com/kilianp07/roadside/core/monitoring"
	"github.com/kilianp07/roadside/infra/logger"
	"github.com/kilianp07/roadside/infra/monitoring"
)

var (
	cfgPath string
	online  bool
)

var rootCmd = &cobra.Command{
	Use:   "roadside",
	Short: "Roadside assistance worker client",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.Flags().BoolVar(&online, "online", false, "go online as soon as the channel is up")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.Logging.Level)
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if online {
		cfg.AutoOnline = true
	}
	log := logger.New("main")

	mon, err := monitoring.NewSentryMonitor(cfg.Sentry, cfg.Identity.WorkerID)
	if err != nil {
		return fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)
	defer coremon.Flush(2 * time.Second)
	defer coremon.Recover()

	sess, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Errorf("session close: %v", err)
		}
	}()
	if err := sess.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Infof("shutting down")
	return nil
}
