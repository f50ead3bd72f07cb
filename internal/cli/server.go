package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openindex/oipd/internal/config"
	"github.com/openindex/oipd/internal/runtime"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the indexing and publishing node",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runtime.New(cfg).Run(ctx)
	},
}
