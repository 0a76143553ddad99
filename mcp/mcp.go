// Package mcp exposes the market streams and the voice session as MCP
// tools.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zerodha/trade-stream/market"
	"github.com/zerodha/trade-stream/voice"
)

// MarketStatus is the read side of *market.Multiplexer.
type MarketStatus interface {
	Status() []market.CategoryStatus
	CategoryStatus(category market.Category) (market.CategoryStatus, error)
}

// VoiceStatus is implemented by *voice.Client.
type VoiceStatus interface {
	Snapshot() voice.Session
}

// Deps are the services the tools act on. Voice may be nil.
type Deps struct {
	Market    MarketStatus
	Watchlist *market.Watchlist // symbols subscribed through MCP
	Quotes    *market.QuoteBook
	Voice     VoiceStatus
	Logger    *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Tool is one MCP tool.
type Tool interface {
	Tool() mcp.Tool
	Handler(deps *Deps) server.ToolHandlerFunc
}

// GetAllTools returns all available tools for registration.
func GetAllTools() []Tool {
	return []Tool{
		&SubscribeSymbolsTool{},
		&UnsubscribeSymbolsTool{},
		&StreamStatusTool{},
		&LastPriceTool{},
		&VoiceStatusTool{},
	}
}

// parseExcludedTools parses a comma-separated list of tool names.
func parseExcludedTools(excludedTools string) map[string]bool {
	excluded := make(map[string]bool)
	for _, name := range strings.Split(excludedTools, ",") {
		if name = strings.TrimSpace(name); name != "" {
			excluded[name] = true
		}
	}
	return excluded
}

// filterTools drops excluded tools and returns the kept tools and how many
// were excluded.
func filterTools(all []Tool, excluded map[string]bool) ([]Tool, int) {
	kept := make([]Tool, 0, len(all))
	dropped := 0
	for _, tool := range all {
		if excluded[tool.Tool().Name] {
			dropped++
			continue
		}
		kept = append(kept, tool)
	}
	return kept, dropped
}

// RegisterTools registers every tool not named in excludedTools and returns
// the names registered.
func RegisterTools(srv *server.MCPServer, deps *Deps, excludedTools string) []string {
	excluded := parseExcludedTools(excludedTools)
	for name := range excluded {
		deps.logger().Info("Excluding tool from registration", "tool", name)
	}

	all := GetAllTools()
	tools, dropped := filterTools(all, excluded)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		def := tool.Tool()
		srv.AddTool(def, tool.Handler(deps))
		names = append(names, def.Name)
	}

	deps.logger().Info("Tool registration complete",
		"registered", len(tools),
		"excluded", dropped,
		"total_available", len(all))
	return names
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode response: %s", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// stringsArg accepts a JSON array of strings or a comma-separated string.
func stringsArg(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

func categoryArg(args map[string]any) (market.Category, error) {
	raw := stringArg(args, "category")
	if raw == "" {
		return "", fmt.Errorf("category is required")
	}
	return market.ParseCategory(raw)
}

func categoryNames() []string {
	cats := market.DefaultCategories()
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}
