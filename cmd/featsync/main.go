package main

import (
	"errors"
	"os"

	cmd "github.com/con-j-e/featsync/internal"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/middleware"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, middleware.ErrLogged) {
			logger.Critical("%v", err)
		}
		logger.Sync()
		os.Exit(logger.StatusCritical)
	}
	logger.Sync()
	os.Exit(logger.ExitStatus())
}
