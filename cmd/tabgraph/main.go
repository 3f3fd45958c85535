package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/tabgraph/internal/util"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/flow"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger/console"
)

func main() {
	util.LoadEnv()
	settings := config.SettingsFromEnv()

	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  settings.Debug,
		Format: settings.LogFormat,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(newApp(settings, os.Stdin, os.Stdout))
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, flow.ErrSourcesFailed) {
			logger.Error("Command failed", "err", err)
		}
		stop()
		os.Exit(1)
	}
}
