package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/zerodha/trade-stream/market"
	"github.com/zerodha/trade-stream/web"
)

// Server mode constants
const (
	ModeHTTP  = "http"  // dashboard, ops and MCP streamable HTTP on /mcp
	ModeStdIO = "stdio" // MCP over stdio, HTTP endpoints on the side
	ModeVoice = "voice" // interactive terminal voice session

	DefaultPort            = "8080"
	DefaultHost            = "localhost"
	DefaultAppMode         = ModeHTTP
	DefaultMarketStreamURL = "ws://localhost:8000/ws/alpaca"
)

// Config holds the application configuration. Environment variables
// override values read from the optional YAML file named by CONFIG_FILE.
type Config struct {
	AppMode string
	AppHost string
	AppPort string

	MarketStreamURL  string
	MarketCategories []market.Category
	VoiceAgentURL    string
	SessionDBPath    string

	ExcludedTools string
	ConfigFile    string

	Market    MarketTuning
	HTTP      HTTPTuning
	Watchlist map[market.Category][]string
}

// MarketTuning holds multiplexer tuning. Zero values use the multiplexer
// defaults.
type MarketTuning struct {
	ResubscribeDelay    time.Duration `yaml:"resubscribe_delay"`
	ReconnectMinBackoff time.Duration `yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
	DialRate            float64       `yaml:"dial_rate"`
	NoReconnect         bool          `yaml:"no_reconnect"`
}

// HTTPTuning holds the per-client stream open rate.
type HTTPTuning struct {
	StreamRate  float64 `yaml:"stream_rate"`
	StreamBurst int     `yaml:"stream_burst"`
}

// fileConfig is the YAML layout of CONFIG_FILE.
type fileConfig struct {
	Mode   string `yaml:"mode"`
	Host   string `yaml:"host"`
	Port   string `yaml:"port"`
	Market struct {
		URL          string   `yaml:"url"`
		Categories   []string `yaml:"categories"`
		MarketTuning `yaml:",inline"`
	} `yaml:"market"`
	Voice struct {
		URL       string `yaml:"url"`
		SessionDB string `yaml:"session_db"`
	} `yaml:"voice"`
	HTTP      HTTPTuning          `yaml:"http"`
	Watchlist map[string][]string `yaml:"watchlist"`
}

// configFromEnv reads the environment into a Config.
func configFromEnv(getenv func(string) string) *Config {
	cfg := &Config{
		AppMode:         getenv("APP_MODE"),
		AppHost:         getenv("APP_HOST"),
		AppPort:         getenv("APP_PORT"),
		MarketStreamURL: getenv("MARKET_STREAM_URL"),
		VoiceAgentURL:   getenv("VOICE_AGENT_URL"),
		SessionDBPath:   getenv("SESSION_DB_PATH"),
		ExcludedTools:   getenv("EXCLUDED_TOOLS"),
		ConfigFile:      getenv("CONFIG_FILE"),
	}
	if s := getenv("MARKET_CATEGORIES"); s != "" {
		for _, c := range strings.Split(s, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.MarketCategories = append(cfg.MarketCategories, market.Category(strings.ToLower(c)))
			}
		}
	}
	return cfg
}

func readConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// merge fills fields the environment left empty from the file.
func (c *Config) merge(fc *fileConfig) {
	setIfEmpty(&c.AppMode, fc.Mode)
	setIfEmpty(&c.AppHost, fc.Host)
	setIfEmpty(&c.AppPort, fc.Port)
	setIfEmpty(&c.MarketStreamURL, fc.Market.URL)
	setIfEmpty(&c.VoiceAgentURL, fc.Voice.URL)
	setIfEmpty(&c.SessionDBPath, fc.Voice.SessionDB)
	if len(c.MarketCategories) == 0 {
		for _, s := range fc.Market.Categories {
			c.MarketCategories = append(c.MarketCategories, market.Category(strings.ToLower(s)))
		}
	}
	c.Market = fc.Market.MarketTuning
	c.HTTP = fc.HTTP
	c.Watchlist = nil
	for cat, syms := range fc.Watchlist {
		if c.Watchlist == nil {
			c.Watchlist = make(map[market.Category][]string)
		}
		c.Watchlist[market.Category(strings.ToLower(cat))] = syms
	}
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// validate applies defaults and checks values.
func (c *Config) validate() error {
	if c.AppMode == "" {
		c.AppMode = DefaultAppMode
	}
	if c.AppPort == "" {
		c.AppPort = DefaultPort
	}
	if c.AppHost == "" {
		c.AppHost = DefaultHost
	}
	if c.MarketStreamURL == "" {
		c.MarketStreamURL = DefaultMarketStreamURL
	}

	var errs []error
	switch c.AppMode {
	case ModeHTTP, ModeStdIO:
	case ModeVoice:
		if c.VoiceAgentURL == "" {
			errs = append(errs, fmt.Errorf("VOICE_AGENT_URL is required in voice mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid APP_MODE: %s", c.AppMode))
	}
	for _, cat := range c.MarketCategories {
		if _, err := market.ParseCategory(string(cat)); err != nil {
			errs = append(errs, fmt.Errorf("MARKET_CATEGORIES: %w", err))
		}
	}
	if err := c.validateWatchlist(c.Watchlist); err != nil {
		errs = append(errs, err)
	}
	if c.Market.ReconnectMaxBackoff > 0 && c.Market.ReconnectMaxBackoff < c.Market.ReconnectMinBackoff {
		errs = append(errs, fmt.Errorf("reconnect_max_backoff must not be below reconnect_min_backoff"))
	}
	return errors.Join(errs...)
}

// validateWatchlist checks that every watchlist category is streamed.
func (c *Config) validateWatchlist(wl map[market.Category][]string) error {
	streamed := make(map[market.Category]bool)
	for _, cat := range c.categories() {
		streamed[cat] = true
	}
	var errs []error
	for cat := range wl {
		if !streamed[cat] {
			errs = append(errs, fmt.Errorf("watchlist category %q is not streamed", cat))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) categories() []market.Category {
	if len(c.MarketCategories) == 0 {
		return market.DefaultCategories()
	}
	return c.MarketCategories
}

func (c *Config) serverAddr() string {
	return c.AppHost + ":" + c.AppPort
}

func (c *Config) marketConfig() market.Config {
	return market.Config{
		BaseURL:             c.MarketStreamURL,
		Categories:          c.categories(),
		ResubscribeDelay:    c.Market.ResubscribeDelay,
		ReconnectMinBackoff: c.Market.ReconnectMinBackoff,
		ReconnectMaxBackoff: c.Market.ReconnectMaxBackoff,
		DialRate:            rate.Limit(c.Market.DialRate),
		NoReconnect:         c.Market.NoReconnect,
	}
}

func (c *Config) rateLimitConfig() web.RateLimitConfig {
	return web.RateLimitConfig{
		Rate:  rate.Limit(c.HTTP.StreamRate),
		Burst: c.HTTP.StreamBurst,
	}
}
