package internal

import (
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/middleware"
	"github.com/con-j-e/featsync/internal/scheduler"

	"github.com/spf13/cobra"
)

func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the snapshot caches",
	}
	cmd.AddCommand(middleware.UseMiddlewareChain(middleware.RequireConfig, middleware.RequireKnownAliases)(NewCachePurgeCmd)())
	return cmd
}

func NewCachePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge [aliases...]",
		Short: "Apply the configured purge policy to snapshot caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCacheRuntime(cmd, func(rt *scheduler.Runtime) error {
				aliases := args
				if len(aliases) == 0 {
					aliases = rt.Layers.Aliases()
				}
				for _, alias := range aliases {
					l, err := rt.Layer(alias)
					if err != nil {
						return err
					}
					caches := l.Descriptor().Caches
					if err := caches.Metadata.Purge(); err != nil {
						return err
					}
					if err := caches.Features.Purge(); err != nil {
						return err
					}
					logger.Success("%s: caches purged", alias)
				}
				return nil
			})
		},
	}
}
