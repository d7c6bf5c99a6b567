package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/roadside/auth"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the worker identity carried by the configured credentials",
	RunE:  whoami,
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

func whoami(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	src, err := auth.NewTokenSource(cfg.Identity.Auth)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	tok, err := src.Token(ctx)
	if err != nil {
		return err
	}
	id, err := auth.IdentityFromToken(tok)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "worker:  %s\n", id.WorkerID)
	if id.Role != "" {
		fmt.Fprintf(out, "role:    %s\n", id.Role)
	}
	if !id.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "expires: %s\n", id.ExpiresAt.Format(time.RFC3339))
	}
	if cfg.Identity.WorkerID != "" && cfg.Identity.WorkerID != id.WorkerID {
		fmt.Fprintf(out, "warning: configured worker_id %q differs from the token\n", cfg.Identity.WorkerID)
	}
	return nil
}
