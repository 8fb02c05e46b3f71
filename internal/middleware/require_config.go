package middleware

import (
	"context"

	"github.com/con-j-e/featsync/internal/config"
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/utils/pathutils"
	"github.com/spf13/cobra"
)

// RequireConfig loads the configuration named by --config (or the default
// file), applies the logging flags on top of it and stores it in the
// command context.
func RequireConfig(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger.ConfigureLoggerFromFlags(cfg.Logging.Level, cfg.Logging.JSON)
	if cfg.Path != "" {
		logger.Debug("config: %s", pathutils.ToHomePathFormat(cfg.Path))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(context.WithValue(ctx, CtxKeyConfig, cfg))
	return next(cmd, args)
}

// RequireAlias checks that the first argument names a configured resource.
// Run it after RequireConfig.
func RequireAlias(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error {
	if len(args) == 0 {
		return FlagComboError(errs.MissingAlias, cmd.Name())
	}
	cfg, err := Config(cmd)
	if err != nil {
		return err
	}
	for _, alias := range args {
		if _, ok := cfg.Resource(alias); !ok {
			return FlagComboError(errs.MissingResource, alias)
		}
	}
	return next(cmd, args)
}

// RequireKnownAliases is RequireAlias for commands where naming no alias
// means every resource.
func RequireKnownAliases(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error {
	if len(args) == 0 {
		return next(cmd, args)
	}
	return RequireAlias(cmd, args, next)
}

// ValidateCount rejects a --count that is neither positive nor -1.
func ValidateCount(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error {
	n, err := cmd.Flags().GetInt("count")
	if err != nil {
		return err
	}
	if n == 0 || n < -1 {
		return FlagComboError(errs.InvalidCount, cmd.Name(), n)
	}
	return next(cmd, args)
}
