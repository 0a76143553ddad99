package market

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zerodha/trade-stream/wire"
)

// Category is a market-data class mapped to exactly one physical connection.
type Category string

// Known categories, one streaming endpoint each.
const (
	Crypto  Category = "crypto"
	Stocks  Category = "stocks"
	ETFs    Category = "etfs"
	Options Category = "options"
)

// DefaultCategories returns the categories served by the market stream.
func DefaultCategories() []Category {
	return []Category{Crypto, Stocks, ETFs, Options}
}

// ParseCategory validates a category name (case-insensitive).
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Crypto, Stocks, ETFs, Options:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Inbound message types.
const (
	TypeConnected   = "connected"
	TypeSubscribed  = "subscribed"
	TypeBar         = "bar"
	TypeTrade       = "trade"
	TypeOrderUpdate = "order_update"
	TypeError       = "error"
)

// Message is one decoded inbound frame of a category connection.
type Message interface {
	MessageType() string
}

// Connected is the greeting sent by the server when a stream opens.
type Connected struct {
	Message string `json:"message"`
}

// Subscribed acknowledges a subscribe control message.
type Subscribed struct {
	Symbols []string `json:"symbols"`
}

// Bar is one OHLCV bar. Timestamp is unix seconds.
type Bar struct {
	Symbol    string  `json:"symbol"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// Trade is one print. Timestamp is unix seconds.
type Trade struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// OrderUpdate carries order fields. Only the common identifying fields are
// decoded; Raw holds the full payload.
type OrderUpdate struct {
	ID     string          `json:"id"`
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"-"`
}

// Error is a server-reported stream error.
type Error struct {
	Message string `json:"message"`
}

func (Connected) MessageType() string   { return TypeConnected }
func (Subscribed) MessageType() string  { return TypeSubscribed }
func (Bar) MessageType() string         { return TypeBar }
func (Trade) MessageType() string       { return TypeTrade }
func (OrderUpdate) MessageType() string { return TypeOrderUpdate }
func (Error) MessageType() string       { return TypeError }

type envelope struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Symbols []string        `json:"symbols"`
	Data    json.RawMessage `json:"data"`
}

// Decode parses one inbound frame. Malformed or unknown frames return a
// *wire.ProtocolError.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &wire.ProtocolError{Err: fmt.Errorf("decode frame: %w", err)}
	}

	switch env.Type {
	case TypeConnected:
		return Connected{Message: env.Message}, nil
	case TypeSubscribed:
		return Subscribed{Symbols: env.Symbols}, nil
	case TypeError:
		return Error{Message: env.Message}, nil
	case TypeBar:
		var bar Bar
		if err := decodeData(env, &bar); err != nil {
			return nil, err
		}
		return bar, nil
	case TypeTrade:
		var trade Trade
		if err := decodeData(env, &trade); err != nil {
			return nil, err
		}
		return trade, nil
	case TypeOrderUpdate:
		var order OrderUpdate
		if err := decodeData(env, &order); err != nil {
			return nil, err
		}
		order.Raw = append(json.RawMessage(nil), env.Data...)
		return order, nil
	case "":
		return nil, &wire.ProtocolError{Err: fmt.Errorf("missing type")}
	default:
		return nil, &wire.ProtocolError{Type: env.Type, Err: fmt.Errorf("unknown message type")}
	}
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &wire.ProtocolError{Type: env.Type, Err: fmt.Errorf("missing data")}
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &wire.ProtocolError{Type: env.Type, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

// Control actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Control is an outbound subscribe/unsubscribe message for one category.
type Control struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// SymbolOf returns the symbol a message refers to, or "" for stream-level
// messages.
func SymbolOf(msg Message) string {
	switch m := msg.(type) {
	case Bar:
		return m.Symbol
	case Trade:
		return m.Symbol
	case OrderUpdate:
		return m.Symbol
	}
	return ""
}

// SymbolMatches reports whether a message symbol belongs to a subscribed
// symbol. Crypto pairs arrive quoted in USD ("BTCUSD", "BTC/USD") for a
// subscription to "BTC".
func SymbolMatches(subscribed, got string) bool {
	subscribed = strings.ToUpper(subscribed)
	got = strings.ToUpper(got)
	if subscribed == got {
		return true
	}
	return got == subscribed+"USD" || got == subscribed+"/USD" ||
		strings.ReplaceAll(got, "/", "") == strings.ReplaceAll(subscribed, "/", "")
}

// normalizeSymbols upper-cases and trims symbols, dropping empties.
func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
