package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mark3labs/mcp-go/util"
	"go.uber.org/fx"

	"github.com/zerodha/trade-stream/dashboard"
	"github.com/zerodha/trade-stream/market"
	"github.com/zerodha/trade-stream/mcp"
	"github.com/zerodha/trade-stream/ops"
	"github.com/zerodha/trade-stream/sessionstore"
	"github.com/zerodha/trade-stream/voice"
	"github.com/zerodha/trade-stream/web"
)

func newSessionStore(cfg *Config, lc fx.Lifecycle, logger *slog.Logger) (sessionstore.Store, error) {
	if cfg.SessionDBPath == "" {
		logger.Info("Voice session ids kept in memory (set SESSION_DB_PATH to persist)")
		return sessionstore.NewMemory(), nil
	}
	store, err := sessionstore.OpenSQLite(cfg.SessionDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	logger.Info("Session store opened", "path", cfg.SessionDBPath)
	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func newMultiplexer(cfg *Config, lc fx.Lifecycle, logger *slog.Logger) (*market.Multiplexer, error) {
	mc := cfg.marketConfig()
	mc.Logger = logger
	m, err := market.New(mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create market multiplexer: %w", err)
	}
	lc.Append(fx.StopHook(m.Close))
	return m, nil
}

func newQuoteBook() *market.QuoteBook {
	return market.NewQuoteBook()
}

// configWatchlist holds the symbols named in the config file.
type configWatchlist struct {
	*market.Watchlist
}

func newConfigWatchlist(m *market.Multiplexer) configWatchlist {
	return configWatchlist{market.NewWatchlist(m)}
}

// newVoiceClient returns nil when no voice agent is configured.
func newVoiceClient(cfg *Config, store sessionstore.Store, lc fx.Lifecycle, logger *slog.Logger) (*voice.Client, error) {
	if cfg.VoiceAgentURL == "" {
		return nil, nil
	}
	client, err := voice.NewClient(voice.Config{
		URL:    cfg.VoiceAgentURL,
		Store:  store,
		Device: voice.FFmpegDevice{},
		Player: voice.FFplayPlayer{},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create voice client: %w", err)
	}
	lc.Append(fx.StopHook(client.Close))
	return client, nil
}

func newRateLimiter(cfg *Config, lc fx.Lifecycle) *web.RateLimiter {
	rl := web.NewRateLimiter(cfg.rateLimitConfig())
	lc.Append(fx.StopHook(rl.Stop))
	return rl
}

func newOpsHandler(m *market.Multiplexer, client *voice.Client, logs *ops.LogBuffer, logger *slog.Logger, info buildInfo) *ops.Handler {
	cfg := ops.Config{
		Market:  m,
		Logs:    logs,
		Logger:  logger,
		Version: info.version,
		Started: info.started,
	}
	if client != nil {
		cfg.Voice = client
	}
	return ops.New(cfg)
}

func newDashboard(m *market.Multiplexer, logger *slog.Logger) *dashboard.Handler {
	return dashboard.New(m, logger)
}

func newMCPServer(cfg *Config, m *market.Multiplexer, quotes *market.QuoteBook, client *voice.Client, lc fx.Lifecycle, logger *slog.Logger, info buildInfo) *server.MCPServer {
	srv := server.NewMCPServer("Trade Stream", info.version, server.WithToolCapabilities(true))
	deps := &mcp.Deps{
		Market:    m,
		Watchlist: market.NewWatchlist(m),
		Quotes:    quotes,
		Logger:    logger,
	}
	if client != nil {
		deps.Voice = client
	}
	mcp.RegisterTools(srv, deps, cfg.ExcludedTools)
	lc.Append(fx.StopHook(deps.Watchlist.Clear))
	return srv
}

func newMux(cfg *Config, opsHandler *ops.Handler, dash *dashboard.Handler, rl *web.RateLimiter, mcpServer *server.MCPServer, info buildInfo, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	opsHandler.RegisterRoutes(mux, rl.Middleware)
	dash.RegisterRoutes(mux, rl.Middleware)

	if cfg.AppMode == ModeHTTP {
		streamable := server.NewStreamableHTTPServer(mcpServer, server.WithLogger(util.DefaultLogger()))
		mux.Handle("/mcp", streamable)
		logger.Info("MCP endpoint available", "url", fmt.Sprintf("http://%s/mcp", cfg.serverAddr()))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("Not Found"))
			return
		}
		fmt.Fprintf(w, "trade-stream %s\nmode: %s\nendpoints: %s\n", info.version, cfg.AppMode,
			strings.Join([]string{"/dashboard/stream", "/ops/status", "/ops/logs", "/ops/logs/stream"}, " "))
	})
	return mux
}

// newHTTPServer has no write timeout: the stream endpoints hold responses
// open.
func newHTTPServer(cfg *Config, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:              cfg.serverAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
}

func startMarket(lc fx.Lifecycle, cfg *Config, m *market.Multiplexer, quotes *market.QuoteBook, wl configWatchlist, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := quotes.Attach(m); err != nil {
				return fmt.Errorf("attach quote book: %w", err)
			}
			if err := wl.Apply(cfg.Watchlist); err != nil {
				logger.Warn("Watchlist partially applied", "error", err)
			}
			logger.Info("Market streams ready", "categories", cfg.categories(), "watchlist", wl.Symbols())
			return nil
		},
		OnStop: func(context.Context) error {
			quotes.Detach(m)
			return wl.Clear()
		},
	})
}

func startConfigWatcher(lc fx.Lifecycle, cfg *Config, wl configWatchlist, logger *slog.Logger) {
	if cfg.ConfigFile == "" {
		return
	}
	w := newConfigWatcher(cfg.ConfigFile, logger, func(fc *fileConfig) {
		reapplyWatchlist(cfg, wl, fc, logger)
	})
	lc.Append(fx.StartStopHook(w.Start, w.Stop))
}

// reapplyWatchlist applies the watchlist of a changed config file. Other
// settings need a restart.
func reapplyWatchlist(cfg *Config, wl configWatchlist, fc *fileConfig, logger *slog.Logger) {
	next := make(map[market.Category][]string, len(fc.Watchlist))
	for cat, syms := range fc.Watchlist {
		next[market.Category(strings.ToLower(cat))] = syms
	}
	if err := cfg.validateWatchlist(next); err != nil {
		logger.Warn("Ignoring watchlist change", "error", err)
		return
	}
	if err := wl.Apply(next); err != nil {
		logger.Warn("Watchlist partially applied", "error", err)
	}
	logger.Info("Watchlist reloaded", "watchlist", wl.Symbols())
}

// startHTTPServer cancels request contexts before shutting down so open
// streams end instead of holding Shutdown until its deadline.
func startHTTPServer(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
	base, cancel := context.WithCancel(context.Background())
	srv.BaseContext = func(net.Listener) context.Context { return base }
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return serveHTTPServer(srv, logger)
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return srv.Shutdown(ctx)
		},
	})
}
