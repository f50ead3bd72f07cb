package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openindex/oipd/internal/config"
	"github.com/openindex/oipd/internal/di"
	"github.com/openindex/oipd/internal/index"
	"github.com/openindex/oipd/internal/publish"
	"github.com/openindex/oipd/internal/runtime"
)

var publishCmd = &cobra.Command{
	Use:   "publish <request.json>",
	Short: "Sign and publish one record described by a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var req publish.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("invalid publish request: %w", err)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		rt := runtime.New(cfg)
		c := rt.Container()

		ctx := context.Background()
		ix, err := c.Get(di.ServiceIndexer)
		if err != nil {
			return err
		}
		if err := ix.(*index.Indexer).WarmUp(ctx); err != nil {
			return err
		}
		p, err := c.Get(di.ServicePublisher)
		if err != nil {
			return err
		}
		receipt, err := p.(*publish.Publisher).Publish(ctx, &req)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(receipt, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}
