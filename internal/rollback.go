package internal

import (
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/scheduler"
	"github.com/con-j-e/featsync/internal/utils/pathutils"

	"github.com/spf13/cobra"
)

func NewRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <alias>",
		Short: "Delete the newest cached snapshots of a resource",
		Long: `Delete the newest cached feature snapshots of a resource so the next sync
compares against an older one and pushes the difference again.

Examples:
  featsync rollback nifc              # Drop the newest snapshot
  featsync rollback nifc --count -1   # Drop every snapshot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return withCacheRuntime(cmd, func(rt *scheduler.Runtime) error {
				l, err := rt.Layer(args[0])
				if err != nil {
					return err
				}
				removed, err := l.Rollback(count)
				if err != nil {
					return err
				}
				for _, e := range removed {
					logger.Info("removed %s", pathutils.ToHomePathFormat(e.Path))
				}
				logger.Success("%s: %d snapshot(s) removed", args[0], len(removed))
				return nil
			})
		},
	}
	cmd.Flags().IntP("count", "n", 1, "Number of snapshots to remove, -1 for all")
	return cmd
}
