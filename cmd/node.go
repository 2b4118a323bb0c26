package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/spacemeshos/go-merklesync/config"
	"github.com/spacemeshos/go-merklesync/node"
)

// NewNodeCommand returns the command that runs a merklesync node.
func NewNodeCommand() *cobra.Command {
	cfg := config.DefaultConfig()
	c := &cobra.Command{
		Use:          "merklesync",
		Short:        "start merklesync node",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			if err := LoadConfig(afero.NewOsFs(), c.Flags(), &cfg); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			return run(c.Context(), &cfg)
		},
	}
	AddFlags(c.PersistentFlags(), &cfg)
	c.AddCommand(versionCommand())
	return c
}

func run(ctx context.Context, cfg *config.Config) error {
	app := node.New(node.WithConfig(cfg))
	if err := app.Initialize(); err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	if err := app.Lock(); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	// This blocks until the context is finished or until an error is produced
	err := app.Start(ctx)
	cancel()
	app.Cleanup()
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	return nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprint(c.OutOrStdout(), Version)
			if Commit != "" {
				fmt.Fprintf(c.OutOrStdout(), "+%s", Commit)
			}
			fmt.Fprintln(c.OutOrStdout())
		},
	}
}
