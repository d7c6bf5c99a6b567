package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/roadside/core/location"
	"github.com/kilianp07/roadside/infra/logger"

	_ "github.com/kilianp07/roadside/infra/gps"
)

var positionCmd = &cobra.Command{
	Use:   "position",
	Short: "Read the current position once from the configured provider",
	RunE:  readPosition,
}

func init() {
	rootCmd.AddCommand(positionCmd)
}

func readPosition(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Location.Provider.Type == "" {
		return fmt.Errorf("location.provider is not configured")
	}
	provider, err := location.NewProvider(cfg.Location.Provider)
	if err != nil {
		return fmt.Errorf("location provider: %w", err)
	}
	tracker, err := location.NewTracker(provider, cfg.Location, logger.New("position-command"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Location.Timeout())
	defer cancel()
	p, err := tracker.CurrentPosition(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
