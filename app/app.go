package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/zerodha/trade-stream/ops"
	"github.com/zerodha/trade-stream/voice"
)

const (
	startTimeout    = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// App represents the main application structure
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	logger    *slog.Logger
	logBuffer *ops.LogBuffer
}

// NewApp creates a new application instance configured from the environment.
func NewApp(logger *slog.Logger) *App {
	return &App{
		Config:    configFromEnv(os.Getenv),
		Version:   "v0.0.0",
		startTime: time.Now(),
		logger:    logger,
	}
}

// SetVersion sets the server version
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the log buffer served on /ops/logs.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// LoadConfig reads CONFIG_FILE when set, then applies defaults and
// validates the configuration.
func (app *App) LoadConfig() error {
	if app.Config.ConfigFile != "" {
		fc, err := readConfigFile(app.Config.ConfigFile)
		if err != nil {
			return err
		}
		app.Config.merge(fc)
		app.logger.Info("Loaded config file", "path", app.Config.ConfigFile)
	}
	return app.Config.validate()
}

// options builds the fx graph. Constructors live in providers.go.
func (app *App) options() fx.Option {
	if app.logBuffer == nil {
		app.logBuffer = ops.NewLogBuffer(500)
	}
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: app.logger.With("component", "fx")}
		}),
		fx.Supply(app.Config, app.logger, app.logBuffer, buildInfo{version: app.Version, started: app.startTime}),
		fx.Provide(
			newSessionStore,
			newMultiplexer,
			newQuoteBook,
			newConfigWatchlist,
			newVoiceClient,
			newRateLimiter,
			newOpsHandler,
			newDashboard,
			newMCPServer,
			newMux,
			newHTTPServer,
		),
		fx.Invoke(
			startMarket,
			startConfigWatcher,
			startHTTPServer,
		),
	)
}

// RunServer starts every service, runs the configured mode until it ends or
// a signal arrives, then stops the services in reverse order.
func (app *App) RunServer() error {
	var (
		mcpServer   *server.MCPServer
		voiceClient *voice.Client
	)
	fxApp := fx.New(app.options(), fx.Populate(&mcpServer, &voiceClient))
	if err := fxApp.Err(); err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := app.runMode(ctx, mcpServer, voiceClient)

	app.logger.Info("Shutting down server...")
	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStop()
	if err := fxApp.Stop(stopCtx); err != nil {
		app.logger.Error("Shutdown error", "error", err)
		runErr = errors.Join(runErr, err)
	}
	app.logger.Info("Server shutdown complete")
	return runErr
}

func (app *App) runMode(ctx context.Context, mcpServer *server.MCPServer, voiceClient *voice.Client) error {
	switch app.Config.AppMode {
	case ModeStdIO:
		app.logger.Info("Starting STDIO MCP server...")
		stdio := server.NewStdioServer(mcpServer)
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stdio server: %w", err)
		}
		return nil
	case ModeVoice:
		if voiceClient == nil {
			return fmt.Errorf("voice client not configured")
		}
		return runVoiceTerminal(ctx, voiceClient, os.Stdin, os.Stdout, app.logger)
	default:
		app.logger.Info("Serving until interrupted", "url", "http://"+app.Config.serverAddr())
		<-ctx.Done()
		return nil
	}
}

type buildInfo struct {
	version string
	started time.Time
}

// serveHTTPServer listens before returning so a bad address fails start.
func serveHTTPServer(srv *http.Server, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()
	logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return nil
}
