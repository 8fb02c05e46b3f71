package internal

import (
	"github.com/con-j-e/featsync/internal/middleware"
	"github.com/con-j-e/featsync/internal/scheduler"
	"github.com/spf13/cobra"
)

var defaultCommands = []middleware.CommandFactory{
	middleware.UseMiddlewareChain(middleware.RequireConfig, middleware.RequireKnownAliases)(NewSyncCmd),
	middleware.UseMiddlewareChain(middleware.RequireConfig, middleware.RequireKnownAliases)(NewRefreshCmd),
	middleware.UseMiddlewareChain(middleware.RequireConfig, middleware.RequireAlias, middleware.ValidateCount)(NewHistoryCmd),
	middleware.UseMiddlewareChain(middleware.RequireConfig, middleware.RequireAlias)(NewDiffCmd),
	middleware.UseMiddlewareChain(middleware.RequireConfig, middleware.RequireAlias, middleware.ValidateCount)(NewRollbackCmd),
	NewCacheCmd,
}

func RegisterSubCommands(cmd *cobra.Command) {
	for _, factory := range defaultCommands {
		cmd.AddCommand(factory())
	}
}

// withRuntime builds the runtime from the configuration stored by
// RequireConfig, runs fn and closes the runtime.
func withRuntime(cmd *cobra.Command, fn func(rt *scheduler.Runtime) error) error {
	return runWith(cmd, true, fn)
}

// withCacheRuntime is withRuntime for commands that never reach the network.
func withCacheRuntime(cmd *cobra.Command, fn func(rt *scheduler.Runtime) error) error {
	return runWith(cmd, false, fn)
}

func runWith(cmd *cobra.Command, online bool, fn func(rt *scheduler.Runtime) error) error {
	cfg, err := middleware.Config(cmd)
	if err != nil {
		return err
	}
	var rt *scheduler.Runtime
	if online {
		rt, err = scheduler.Build(cmd.Context(), cfg)
	} else {
		rt, err = scheduler.Open(cfg)
	}
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	return fn(rt)
}
