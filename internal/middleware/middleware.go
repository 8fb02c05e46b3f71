// Package middleware runs precondition checks in front of featsync commands.
package middleware

import (
	"fmt"

	"github.com/con-j-e/featsync/internal/config"
	"github.com/spf13/cobra"
)

const CtxKeyConfig contextKey = "config"

type CommandFactory func() *cobra.Command

type RunFunc func(cmd *cobra.Command, args []string) error

type MiddlewareFunc func(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error

type MiddlewareChain func(factory CommandFactory) CommandFactory

type contextKey string

// UseMiddlewareChain runs middlewares from PreRunE, in order, before any
// PreRunE the factory set. A middleware that does not call next stops the
// command.
func UseMiddlewareChain(middlewares ...MiddlewareFunc) MiddlewareChain {
	mws := append([]MiddlewareFunc(nil), middlewares...)

	return func(factory CommandFactory) CommandFactory {
		return func() *cobra.Command {
			cmd := factory()
			var run RunFunc = func(*cobra.Command, []string) error { return nil }
			if cmd.PreRunE != nil {
				run = cmd.PreRunE
			}
			for i := len(mws) - 1; i >= 0; i-- {
				mw, next := mws[i], run
				run = func(c *cobra.Command, a []string) error { return mw(c, a, next) }
			}
			cmd.PreRunE = run
			return cmd
		}
	}
}

// Get reads a value stored in the command context by a middleware.
func Get[T any](cmd *cobra.Command, key contextKey) (T, error) {
	var zero T
	ctx := cmd.Context()
	if ctx == nil {
		return zero, fmt.Errorf("%s: no command context", cmd.Name())
	}
	switch v := ctx.Value(key).(type) {
	case nil:
		return zero, fmt.Errorf("%s: %q not set; is the command wrapped in its middleware?", cmd.Name(), key)
	case T:
		return v, nil
	default:
		return zero, fmt.Errorf("%s: %q holds %T", cmd.Name(), key, v)
	}
}

// Config returns the configuration RequireConfig loaded.
func Config(cmd *cobra.Command) (*config.Config, error) {
	return Get[*config.Config](cmd, CtxKeyConfig)
}
