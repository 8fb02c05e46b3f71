package internal

import (
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/scheduler"
	"github.com/con-j-e/featsync/internal/utils"

	"github.com/spf13/cobra"
)

func NewRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh [aliases...]",
		Short: "Fetch and cache a new snapshot of resources, without editing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *scheduler.Runtime) error {
				results, err := rt.Layers.RefreshAll(cmd.Context(), args...)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(results))
				lines := make([]string, 0, len(results))
				for _, r := range results {
					status := "ok"
					if r.Err != nil {
						status = string(errs.CodeOf(r.Err))
						if status == "" {
							status = "error"
						}
					}
					rows = append(rows, []string{r.Alias, status})
					lines = append(lines, r.Alias+": "+status)
				}
				utils.RenderTable("Refresh", []string{"Alias", "Status"}, rows)
				rt.Finish(cmd.Context(), lines...)
				return nil
			})
		},
	}
	return cmd
}
