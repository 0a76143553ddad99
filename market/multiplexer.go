// Package market shares one physical streaming connection per data category
// across any number of consumers. Subscriptions are reference counted: the
// first consumer of a symbol subscribes it on the wire and the last one to
// leave unsubscribes it.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zerodha/trade-stream/wire"
)

var (
	// ErrUnknownCategory is returned for a category with no configured endpoint.
	ErrUnknownCategory = errors.New("unknown market category")
	// ErrClosed is returned by operations on a closed Multiplexer.
	ErrClosed = errors.New("market multiplexer closed")
)

// Defaults applied by New for zero Config values.
const (
	DefaultResubscribeDelay    = 250 * time.Millisecond
	DefaultReconnectMinBackoff = 500 * time.Millisecond
	DefaultReconnectMaxBackoff = 30 * time.Second
	DefaultDialRate            = rate.Limit(4)
	DefaultFrameBuffer         = 256
)

// Config holds configuration for creating a new Multiplexer.
type Config struct {
	// Endpoints maps each category to its streaming url. When empty, BaseURL
	// and Categories produce "<BaseURL>/<category>" for each category.
	Endpoints  map[Category]string
	BaseURL    string
	Categories []Category // default: DefaultCategories()

	Dialer wire.Dialer // default: &wire.WebsocketDialer{}
	Logger *slog.Logger

	ResubscribeDelay    time.Duration
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	DialRate            rate.Limit // dials per second across all categories
	FrameBuffer         int        // inbound frames buffered between read and dispatch

	// NoReconnect leaves a dropped category Closed until the next Connect.
	NoReconnect bool

	// OnStateChange is called on every category transition, with the
	// category lock held.
	OnStateChange func(Category, State)
}

// Multiplexer manages one connection per category, the shared subscription
// registry and each category's handler list. It is safe for concurrent use.
type Multiplexer struct {
	conns    map[Category]*categoryConn
	order    []Category
	registry *Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New creates a Multiplexer. No connection is opened until Connect or
// Subscribe is called for a category.
func New(cfg Config) (*Multiplexer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoints, order, err := resolveEndpoints(cfg)
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &wire.WebsocketDialer{}
	}
	dialRate := cfg.DialRate
	if dialRate == 0 {
		dialRate = DefaultDialRate
	}
	opts := connOptions{
		resubscribeDelay: orDefault(cfg.ResubscribeDelay, DefaultResubscribeDelay),
		minBackoff:       orDefault(cfg.ReconnectMinBackoff, DefaultReconnectMinBackoff),
		maxBackoff:       orDefault(cfg.ReconnectMaxBackoff, DefaultReconnectMaxBackoff),
		noReconnect:      cfg.NoReconnect,
		frameBuffer:      cfg.FrameBuffer,
	}
	if opts.frameBuffer <= 0 {
		opts.frameBuffer = DefaultFrameBuffer
	}
	if opts.maxBackoff < opts.minBackoff {
		opts.maxBackoff = opts.minBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		conns:    make(map[Category]*categoryConn, len(endpoints)),
		order:    order,
		registry: NewRegistry(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	limiter := rate.NewLimiter(dialRate, len(order))
	for _, cat := range order {
		m.conns[cat] = &categoryConn{
			category: cat,
			url:      endpoints[cat],
			registry: m.registry,
			dialer:   dialer,
			limiter:  limiter,
			logger:   logger.With("component", "market"),
			opts:     opts,
			onState:  cfg.OnStateChange,
			state:    StateIdle,
		}
	}
	return m, nil
}

func resolveEndpoints(cfg Config) (map[Category]string, []Category, error) {
	if len(cfg.Endpoints) > 0 {
		endpoints := make(map[Category]string, len(cfg.Endpoints))
		order := make([]Category, 0, len(cfg.Endpoints))
		for _, cat := range DefaultCategories() {
			if u, ok := cfg.Endpoints[cat]; ok {
				endpoints[cat] = u
				order = append(order, cat)
			}
		}
		for cat, u := range cfg.Endpoints {
			if _, ok := endpoints[cat]; !ok {
				endpoints[cat] = u
				order = append(order, cat)
			}
		}
		return endpoints, order, nil
	}

	if cfg.BaseURL == "" {
		return nil, nil, fmt.Errorf("market: endpoints or base url required")
	}
	cats := cfg.Categories
	if len(cats) == 0 {
		cats = DefaultCategories()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	endpoints := make(map[Category]string, len(cats))
	order := make([]Category, 0, len(cats))
	for _, cat := range cats {
		if _, dup := endpoints[cat]; dup {
			continue
		}
		endpoints[cat] = base + "/" + string(cat)
		order = append(order, cat)
	}
	return endpoints, order, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (m *Multiplexer) lookup(category Category) (*categoryConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.conns[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return c, nil
}

// Categories returns the configured categories in order.
func (m *Multiplexer) Categories() []Category {
	return append([]Category(nil), m.order...)
}

// Connect opens the category's connection unless it is already opening or
// open. The dial happens in the background; Connect does not block on it.
func (m *Multiplexer) Connect(category Category) error {
	c, err := m.lookup(category)
	if err != nil {
		return err
	}
	c.connect(m.ctx)
	return nil
}

// Disconnect closes the category's connection and waits for its goroutines.
// Subscriptions and handlers are kept; a later Connect replays them.
func (m *Multiplexer) Disconnect(category Category) error {
	c, err := m.lookup(category)
	if err != nil {
		return err
	}
	if done := c.disconnect(); done != nil {
		<-done
	}
	return nil
}

// Subscribe acquires symbols for one consumer and connects the category if
// needed. Only symbols nobody held before are sent on the wire.
func (m *Multiplexer) Subscribe(category Category, symbols ...string) error {
	c, err := m.lookup(category)
	if err != nil {
		return err
	}
	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil
	}
	c.subscribe(symbols)
	c.connect(m.ctx)
	return nil
}

// Unsubscribe releases symbols for one consumer. Only symbols nobody holds
// any more are sent on the wire. The connection stays open.
func (m *Multiplexer) Unsubscribe(category Category, symbols ...string) error {
	c, err := m.lookup(category)
	if err != nil {
		return err
	}
	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil
	}
	c.unsubscribe(symbols)
	return nil
}

// AddHandler registers fn for every message of the category. Handlers run
// synchronously on the category's dispatch goroutine in registration order
// and must not block for long.
func (m *Multiplexer) AddHandler(category Category, fn Handler) (HandlerID, error) {
	if fn == nil {
		return "", fmt.Errorf("market: nil handler")
	}
	c, err := m.lookup(category)
	if err != nil {
		return "", err
	}
	id := c.handlers.add(fn)
	m.logger.Debug("Market handler added", "category", category, "handler_id", id)
	return id, nil
}

// RemoveHandler unregisters a handler. It reports whether the id was found.
// A handler removed while a message is being dispatched is not called again.
func (m *Multiplexer) RemoveHandler(category Category, id HandlerID) bool {
	m.mu.RLock()
	c, ok := m.conns[category]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	removed := c.handlers.remove(id)
	if removed {
		m.logger.Debug("Market handler removed", "category", category, "handler_id", id)
	}
	return removed
}

// RefCount returns the number of consumers holding a symbol.
func (m *Multiplexer) RefCount(category Category, symbol string) int {
	syms := normalizeSymbols([]string{symbol})
	if len(syms) == 0 {
		return 0
	}
	return m.registry.Count(category, syms[0])
}

// CategoryStatus returns the status of one category.
func (m *Multiplexer) CategoryStatus(category Category) (CategoryStatus, error) {
	m.mu.RLock()
	c, ok := m.conns[category]
	m.mu.RUnlock()
	if !ok {
		return CategoryStatus{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return c.status(), nil
}

// Status returns the status of every category in configured order.
func (m *Multiplexer) Status() []CategoryStatus {
	out := make([]CategoryStatus, 0, len(m.order))
	for _, cat := range m.order {
		out = append(out, m.conns[cat].status())
	}
	return out
}

// Close disconnects every category and waits for all goroutines. Further
// operations return ErrClosed. Close is idempotent.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	var waits []<-chan struct{}
	for _, cat := range m.order {
		if done := m.conns[cat].disconnect(); done != nil {
			waits = append(waits, done)
		}
	}
	for _, done := range waits {
		<-done
	}
	m.logger.Info("Market multiplexer closed")
	return nil
}
