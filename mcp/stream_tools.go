package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zerodha/trade-stream/market"
)

type subscriptionResult struct {
	Category market.Category `json:"category"`
	Held     []string        `json:"held"`
	Changed  []string        `json:"changed"`
	State    market.State    `json:"state"`
}

// SubscribeSymbolsTool adds symbols to the MCP watchlist.
type SubscribeSymbolsTool struct{}

func (*SubscribeSymbolsTool) Tool() mcp.Tool {
	return mcp.NewTool("subscribe_symbols",
		mcp.WithDescription("Subscribe to live market data for symbols on one category stream. The stream connects on first use and is shared with every other consumer."),
		mcp.WithString("category",
			mcp.Description("Market data category"),
			mcp.Required(),
			mcp.Enum(categoryNames()...),
		),
		mcp.WithArray("symbols",
			mcp.Description("Symbols, e.g. [\"BTC\", \"ETH\"] for crypto or [\"AAPL\"] for stocks"),
			mcp.Required(),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

func (*SubscribeSymbolsTool) Handler(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return changeSubscription(deps, request, true)
	}
}

// UnsubscribeSymbolsTool removes symbols from the MCP watchlist.
type UnsubscribeSymbolsTool struct{}

func (*UnsubscribeSymbolsTool) Tool() mcp.Tool {
	return mcp.NewTool("unsubscribe_symbols",
		mcp.WithDescription("Stop live market data for symbols previously subscribed with subscribe_symbols. Other consumers of the same symbols are unaffected."),
		mcp.WithString("category",
			mcp.Description("Market data category"),
			mcp.Required(),
			mcp.Enum(categoryNames()...),
		),
		mcp.WithArray("symbols",
			mcp.Description("Symbols to release"),
			mcp.Required(),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

func (*UnsubscribeSymbolsTool) Handler(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return changeSubscription(deps, request, false)
	}
}

func changeSubscription(deps *Deps, request mcp.CallToolRequest, add bool) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	cat, err := categoryArg(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	symbols := stringsArg(args, "symbols")
	if len(symbols) == 0 {
		return mcp.NewToolResultError("symbols is required"), nil
	}

	var changed []string
	for _, s := range symbols {
		if deps.Watchlist.Holds(cat, s) != add {
			changed = append(changed, strings.ToUpper(s))
		}
	}
	if add {
		err = deps.Watchlist.Add(cat, symbols...)
	} else {
		err = deps.Watchlist.Remove(cat, symbols...)
	}
	if err != nil {
		deps.logger().Warn("MCP subscription change failed", "category", cat, "add", add, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update subscription: %s", err)), nil
	}

	out := subscriptionResult{
		Category: cat,
		Held:     deps.Watchlist.Symbols()[cat],
		Changed:  changed,
	}
	if out.Held == nil {
		out.Held = []string{}
	}
	if st, err := deps.Market.CategoryStatus(cat); err == nil {
		out.State = st.State
	}
	return marshalResult(out)
}

// StreamStatusTool reports the category connections.
type StreamStatusTool struct{}

func (*StreamStatusTool) Tool() mcp.Tool {
	return mcp.NewTool("stream_status",
		mcp.WithDescription("Show connection state, reconnect count and subscribed symbols with consumer counts for each market data category."),
		mcp.WithString("category",
			mcp.Description("Limit to one category"),
			mcp.Enum(categoryNames()...),
		),
	)
}

func (*StreamStatusTool) Handler(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if stringArg(args, "category") == "" {
			return marshalResult(deps.Market.Status())
		}
		cat, err := categoryArg(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		st, err := deps.Market.CategoryStatus(cat)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(st)
	}
}

// LastPriceTool returns the latest quote seen for a symbol.
type LastPriceTool struct{}

func (*LastPriceTool) Tool() mcp.Tool {
	return mcp.NewTool("last_price",
		mcp.WithDescription("Get the last bar or trade price received for a symbol. The symbol must be subscribed by some consumer for prices to arrive."),
		mcp.WithString("category",
			mcp.Description("Market data category"),
			mcp.Required(),
			mcp.Enum(categoryNames()...),
		),
		mcp.WithString("symbol",
			mcp.Description("Symbol, e.g. BTC or AAPL"),
			mcp.Required(),
		),
	)
}

func (*LastPriceTool) Handler(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		cat, err := categoryArg(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbol := stringArg(args, "symbol")
		if symbol == "" {
			return mcp.NewToolResultError("symbol is required"), nil
		}
		quote, ok := deps.Quotes.Last(cat, symbol)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("No price received yet for %s on %s. Subscribe with subscribe_symbols first.", strings.ToUpper(symbol), cat)), nil
		}
		return marshalResult(quote)
	}
}
