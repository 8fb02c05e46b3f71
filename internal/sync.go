package internal

import (
	"github.com/con-j-e/featsync/internal/scheduler"

	"github.com/spf13/cobra"
)

func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [aliases...]",
		Short: "Refresh resources and push changed ones to the target layer",
		Long: `Refresh every configured resource (or the named ones), compare each new
snapshot with the previous one and replace the resource's records in the
target layer when something changed.

A resource that fails after its snapshot was written is rolled back, so the
next run retries the same change.

Examples:
  featsync sync              # Every resource
  featsync sync nifc kenai   # Only these two`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *scheduler.Runtime) error {
				report, err := rt.Sync(cmd.Context(), args...)
				if err != nil {
					return err
				}
				report.Render()
				rt.Finish(cmd.Context(), report.Summary()...)
				return nil
			})
		},
	}
	return cmd
}
