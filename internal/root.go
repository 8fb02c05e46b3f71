package internal

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/version"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "featsync",
		Short: "Synchronize remote feature layers into a canonical feature service",
		Long: `featsync fetches remote feature layers page by page, keeps timestamped
snapshots of every fetch, detects what changed since the previous snapshot and
replaces each changed resource's records in a target feature service.

It is meant to run unattended from cron or a systemd timer. The exit status is
the worst severity logged: 0 OK, 30 WARNING, 40 ERROR, 50 CRITICAL.`,
		Example: `featsync sync
featsync refresh nifc kenai
featsync history nifc --count 3`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			versionFlag, _ := cmd.Flags().GetBool("version")
			if versionFlag {
				version.Print()
				return nil
			}
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolP("version", "v", false, "Print version information")
	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default ~/.config/featsync/config.yml)")
	cmd.PersistentFlags().CountVarP(&logger.FlagVerboseCount, "verbose", "V", "Verbose output (debug level)")
	cmd.PersistentFlags().BoolVarP(&logger.FlagQuiet, "quiet", "q", false, "Only print errors")
	cmd.PersistentFlags().BoolVarP(&logger.FlagSilent, "silent", "s", false, "Print nothing")
	cmd.PersistentFlags().BoolVar(&logger.FlagJSON, "json", false, "Log as JSON lines")

	RegisterSubCommands(cmd)

	return cmd
}

// Execute runs the CLI under a context cancelled by SIGINT or SIGTERM.
func Execute() error {
	root := NewRootCmd()

	if os.Getenv("COMP_LINE") != "" ||
		(len(os.Args) > 1 && strings.HasPrefix(os.Args[1], "__complete")) {
		return root.Execute()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Debug("Failed to execute root command: %v", err)
		return err
	}
	return nil
}
