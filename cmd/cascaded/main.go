package main

import (
	"os"

	"cascade/internal/cli"
	"cascade/internal/logger"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		logger.Log().Error().Err(err).Msg("cascaded failed")
		os.Exit(1)
	}
}
