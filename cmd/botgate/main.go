// Package main is the entry point for the botgate CLI.
package main

import (
	"os"

	"github.com/openbotauth/botgate/cmd/botgate/app"
	"github.com/openbotauth/botgate/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
