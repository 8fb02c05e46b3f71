package internal

import (
	"github.com/con-j-e/featsync/internal/layer"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/scheduler"

	"github.com/spf13/cobra"
)

func NewDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <alias>",
		Short: "Compare the two newest snapshots of a resource",
		Long: `Compare the two newest cached snapshots of a resource with the configured
change strategy (key or fingerprint). Nothing is fetched or edited.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCacheRuntime(cmd, func(rt *scheduler.Runtime) error {
				l, err := rt.Layer(args[0])
				if err != nil {
					return err
				}
				opts := layer.LoadOptions{ApplyFieldMap: true, ValidateKey: rt.Config.Change.Strategy == "key"}
				sets, err := l.LoadHistory(cmd.Context(), 2, opts)
				if err != nil {
					return err
				}
				if len(sets) == 0 {
					logger.Warn("%s: no snapshot cached yet", args[0])
					return nil
				}
				changed, summary, err := rt.Detect(sets)
				if err != nil {
					return err
				}
				if changed {
					logger.Info("%s: %s", args[0], summary)
				} else {
					logger.Success("%s: %s", args[0], summary)
				}
				return nil
			})
		},
	}
	return cmd
}
