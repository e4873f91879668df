package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"sessiond/internal/domain"
	"sessiond/internal/interval"
	"sessiond/internal/util"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// AlpacaConfig holds credentials and stream parameters for the Alpaca
// market-data API.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	DataURL   string
	Feed      string // "sip" or "iex"; defaults to sip
	// RequestsPerMinute bounds historical/retry requests. Defaults to 200.
	RequestsPerMinute int
}

// AlpacaProvider streams live bars and quotes over the Alpaca WebSocket
// feed and serves bar retry requests over the REST market-data API.
type AlpacaProvider struct {
	client  *marketdata.Client
	stream  *stream.StocksClient
	limiter *util.RateLimiter
	loc     *time.Location
	log     *slog.Logger

	bars   chan domain.Bar
	quotes chan domain.Quote

	mu        sync.Mutex
	connected bool
	symbols   map[string]bool
}

// NewAlpacaProvider creates a provider. loc is the exchange timezone
// applied to delivered timestamps; nil defaults to America/New_York.
func NewAlpacaProvider(cfg AlpacaConfig, loc *time.Location, log *slog.Logger) *AlpacaProvider {
	if loc == nil {
		loc, _ = time.LoadLocation("America/New_York")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Feed == "" {
		cfg.Feed = "sip"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 200
	}

	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}

	return &AlpacaProvider{
		client: marketdata.NewClient(opts),
		stream: stream.NewStocksClient(cfg.Feed,
			stream.WithCredentials(cfg.APIKey, cfg.APISecret)),
		limiter: util.NewRateLimiter(cfg.RequestsPerMinute),
		loc:     loc,
		log:     log.With("component", "alpaca-feed"),
		bars:    make(chan domain.Bar, 4096),
		quotes:  make(chan domain.Quote, 4096),
		symbols: make(map[string]bool),
	}
}

// Subscribe connects on first use and adds symbols to the bar (and
// optionally quote) subscription.
func (p *AlpacaProvider) Subscribe(ctx context.Context, symbols []string, quotes bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		if err := p.stream.Connect(ctx); err != nil {
			return fmt.Errorf("connecting stream: %w", err)
		}
		p.connected = true
	}

	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}

	if err := p.stream.SubscribeToBars(p.onBar, upper...); err != nil {
		return fmt.Errorf("subscribing bars: %w", err)
	}
	if quotes {
		if err := p.stream.SubscribeToQuotes(p.onQuote, upper...); err != nil {
			return fmt.Errorf("subscribing quotes: %w", err)
		}
	}
	for _, s := range upper {
		p.symbols[s] = true
	}
	p.log.Info("subscribed", "symbols", upper, "quotes", quotes)
	return nil
}

// Unsubscribe removes symbols from all subscriptions.
func (p *AlpacaProvider) Unsubscribe(symbols ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}

	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}
	if err := p.stream.UnsubscribeFromBars(upper...); err != nil {
		return fmt.Errorf("unsubscribing bars: %w", err)
	}
	// Quote unsubscribe failures are harmless when quotes were never
	// subscribed.
	_ = p.stream.UnsubscribeFromQuotes(upper...)
	for _, s := range upper {
		delete(p.symbols, s)
	}
	return nil
}

// Bars returns the live bar channel.
func (p *AlpacaProvider) Bars() <-chan domain.Bar { return p.bars }

// Quotes returns the live quote channel.
func (p *AlpacaProvider) Quotes() <-chan domain.Quote { return p.quotes }

// RequestBars fetches bars over the REST API, rate limited and retried
// with backoff. Only minute and day tokens are servable live.
func (p *AlpacaProvider) RequestBars(ctx context.Context, symbol, token string, start, end time.Time) ([]domain.Bar, error) {
	tf, err := timeframeFor(token)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []marketdata.Bar
	err = util.Retry(ctx, 3, time.Second, func() error {
		var reqErr error
		raw, reqErr = p.client.GetBars(strings.ToUpper(symbol), marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
			Feed:      marketdata.SIP,
		})
		return reqErr
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s/%s: %w", symbol, token, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: b.Timestamp.In(p.loc),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    int64(b.Volume),
		})
	}
	return bars, nil
}

// Close disconnects and closes the delivery channels.
func (p *AlpacaProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		p.connected = false
	}
	close(p.bars)
	close(p.quotes)
	return nil
}

func (p *AlpacaProvider) onBar(b stream.Bar) {
	select {
	case p.bars <- domain.Bar{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.In(p.loc),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    int64(b.Volume),
	}:
	default:
		p.log.Warn("dropping bar, channel full", "symbol", b.Symbol)
	}
}

func (p *AlpacaProvider) onQuote(q stream.Quote) {
	select {
	case p.quotes <- domain.Quote{
		Symbol:    q.Symbol,
		Timestamp: q.Timestamp.In(p.loc),
		BidPrice:  q.BidPrice,
		AskPrice:  q.AskPrice,
		BidSize:   int64(q.BidSize),
		AskSize:   int64(q.AskSize),
	}:
	default:
		p.log.Warn("dropping quote, channel full", "symbol", q.Symbol)
	}
}

// timeframeFor maps an interval token onto the API timeframe. Second-level
// bars are not servable by the provider.
func timeframeFor(token string) (marketdata.TimeFrame, error) {
	iv, err := interval.Parse(token)
	if err != nil {
		return marketdata.TimeFrame{}, err
	}
	switch iv.Unit {
	case interval.UnitMinute:
		return marketdata.NewTimeFrame(iv.Value, marketdata.Min), nil
	case interval.UnitDay:
		return marketdata.NewTimeFrame(iv.Value, marketdata.Day), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("interval %s not servable by provider", token)
}
