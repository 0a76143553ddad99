// Trade Stream multiplexes market-data streams for dashboards and MCP clients
// and drives a voice session with a trading agent.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zerodha/trade-stream/app"
	"github.com/zerodha/trade-stream/ops"
)

var (
	// TRADE_STREAM_VERSION is injected at build time with
	// -ldflags "-X main.TRADE_STREAM_VERSION=..."
	TRADE_STREAM_VERSION = "v0.0.0"

	// buildString will be injected during the build process with build time and git info
	buildString = "dev build"
)

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	// Valid levels: debug, info, warn, error. Anything else is INFO.
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}

	logBuffer := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(ops.NewTeeHandler(inner, logBuffer)), logBuffer
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("Trade Stream %s\n", TRADE_STREAM_VERSION)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	// Logs go to stderr so stdio MCP keeps stdout to itself.
	logger, logBuffer := initLogger()

	application := app.NewApp(logger)
	application.SetLogBuffer(logBuffer)

	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	application.SetVersion(TRADE_STREAM_VERSION)

	logger.Info("Starting Trade Stream...", "version", TRADE_STREAM_VERSION, "build", buildString, "mode", application.Config.AppMode)
	if err := application.RunServer(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
