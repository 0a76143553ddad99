package market

import (
	"sort"
	"sync"
	"time"
)

// Quote is the latest price seen for a symbol.
type Quote struct {
	Category  Category  `json:"category"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Source    string    `json:"source"` // "bar" or "trade"
	Timestamp time.Time `json:"timestamp"`
}

// QuoteBook records the last bar or trade price per symbol. It is a plain
// consumer of the multiplexer: Attach registers one handler per category.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[Category]map[string]Quote
	ids    map[Category]HandlerID
}

// NewQuoteBook returns an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		quotes: make(map[Category]map[string]Quote),
		ids:    make(map[Category]HandlerID),
	}
}

// Attach registers the book as a handler on each category of m.
func (q *QuoteBook) Attach(m *Multiplexer, categories ...Category) error {
	if len(categories) == 0 {
		categories = m.Categories()
	}
	for _, cat := range categories {
		q.mu.RLock()
		_, attached := q.ids[cat]
		q.mu.RUnlock()
		if attached {
			continue
		}
		id, err := m.AddHandler(cat, q.Handler(cat))
		if err != nil {
			return err
		}
		q.mu.Lock()
		q.ids[cat] = id
		q.mu.Unlock()
	}
	return nil
}

// Detach removes the book's handlers from m.
func (q *QuoteBook) Detach(m *Multiplexer) {
	q.mu.Lock()
	ids := q.ids
	q.ids = make(map[Category]HandlerID)
	q.mu.Unlock()
	for cat, id := range ids {
		m.RemoveHandler(cat, id)
	}
}

// Handler returns the message handler for one category.
func (q *QuoteBook) Handler(category Category) Handler {
	return func(msg Message) {
		switch m := msg.(type) {
		case Bar:
			q.record(Quote{
				Category: category, Symbol: m.Symbol, Price: m.Close,
				Open: m.Open, High: m.High, Low: m.Low, Volume: m.Volume,
				Source: TypeBar, Timestamp: unixTime(m.Timestamp),
			})
		case Trade:
			q.record(Quote{
				Category: category, Symbol: m.Symbol, Price: m.Price,
				Volume: m.Size, Source: TypeTrade, Timestamp: unixTime(m.Timestamp),
			})
		}
	}
}

func (q *QuoteBook) record(quote Quote) {
	if quote.Symbol == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	book, ok := q.quotes[quote.Category]
	if !ok {
		book = make(map[string]Quote)
		q.quotes[quote.Category] = book
	}
	if prev, ok := book[quote.Symbol]; ok && quote.Timestamp.Before(prev.Timestamp) {
		return
	}
	book[quote.Symbol] = quote
}

// Last returns the latest quote for a symbol. Crypto symbols match their USD
// pair, so Last(Crypto, "BTC") finds "BTC/USD".
func (q *QuoteBook) Last(category Category, symbol string) (Quote, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	book := q.quotes[category]
	if quote, ok := book[symbol]; ok {
		return quote, true
	}
	for s, quote := range book {
		if SymbolMatches(symbol, s) {
			return quote, true
		}
	}
	return Quote{}, false
}

// All returns every quote of a category sorted by symbol.
func (q *QuoteBook) All(category Category) []Quote {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Quote, 0, len(q.quotes[category]))
	for _, quote := range q.quotes[category] {
		out = append(out, quote)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}
