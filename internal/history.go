package internal

import (
	"strconv"
	"time"

	"github.com/con-j-e/featsync/internal/layer"
	"github.com/con-j-e/featsync/internal/scheduler"
	"github.com/con-j-e/featsync/internal/utils"

	"github.com/spf13/cobra"
)

func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <alias>",
		Short: "List cached snapshots of a resource, newest first",
		Long: `List cached feature snapshots of a resource, newest first.

Examples:
  featsync history nifc              # The newest snapshot
  featsync history nifc --count 3    # The 3 newest
  featsync history nifc --count -1   # Every snapshot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return withCacheRuntime(cmd, func(rt *scheduler.Runtime) error {
				l, err := rt.Layer(args[0])
				if err != nil {
					return err
				}
				sets, err := l.LoadHistory(cmd.Context(), count, layer.LoadOptions{})
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(sets))
				for _, fs := range sets {
					rows = append(rows, []string{
						fs.CachedAt.Format(time.RFC3339Nano),
						strconv.Itoa(len(fs.Features)),
						strconv.Itoa(fs.TargetCount),
						fs.KeyField,
					})
				}
				utils.RenderTable("History of "+args[0], []string{"Cached at", "Features", "Target count", "Key field"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntP("count", "n", 1, "Number of snapshots to show, -1 for all")
	return cmd
}
