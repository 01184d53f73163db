// Package marketdata keeps upstream quotes warm with an adaptive poller.
//
// The poll interval starts at the configured default and adapts: errors widen
// it by 1.2x up to the maximum, a new subscriber tightens it by 0.8x down to
// the minimum, and five minutes without activity parks it at the maximum.
// Symbols are polled 50ms apart to avoid hammering the connector.
package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/almasgold/ttbroker/params"
	"github.com/almasgold/ttbroker/pkg/bridge"
)

const symbolSpacing = 50 * time.Millisecond

// PriceSource is the slice of the bridge the poller needs.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (*bridge.Tick, error)
}

// Quote is a cached tick plus its freshness classification.
type Quote struct {
	Tick      bridge.Tick
	FetchedAt time.Time
}

// Freshness buckets for display. Live under a minute, Delayed under five,
// Stale beyond that.
type Freshness string

const (
	Live    Freshness = "Live"
	Delayed Freshness = "Delayed"
	Stale   Freshness = "Stale"
)

func (q Quote) Freshness(now time.Time) Freshness {
	age := now.Sub(q.FetchedAt)
	switch {
	case age < time.Minute:
		return Live
	case age < 5*time.Minute:
		return Delayed
	default:
		return Stale
	}
}

// Service polls the bridge for a fixed symbol set and caches the results.
type Service struct {
	cfg    params.MarketData
	source PriceSource
	log    *zap.SugaredLogger

	mu           sync.RWMutex
	symbols      []string
	quotes       map[string]Quote
	interval     time.Duration
	subscribers  int
	lastActivity time.Time

	wake chan struct{}
}

func New(cfg params.MarketData, source PriceSource, symbols []string, log *zap.SugaredLogger) *Service {
	return &Service{
		cfg:          cfg,
		source:       source,
		log:          log,
		symbols:      symbols,
		quotes:       make(map[string]Quote),
		interval:     cfg.PollInterval,
		lastActivity: time.Now(),
		wake:         make(chan struct{}, 1),
	}
}

// Run polls until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	for {
		s.pollOnce(ctx)

		s.mu.RLock()
		wait := s.interval
		s.mu.RUnlock()

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(wait):
		}
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	s.mu.RLock()
	symbols := append([]string(nil), s.symbols...)
	idle := time.Since(s.lastActivity) > s.cfg.InactiveTimeout
	s.mu.RUnlock()

	if idle {
		s.setInterval(s.cfg.MaxPollInterval)
	}

	failed := false
	fetched := 0
	for _, sym := range symbols {
		// Quotes still within the TTL are left alone.
		if _, ok := s.FreshQuote(sym); ok {
			continue
		}
		if fetched > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(symbolSpacing):
			}
		}
		fetched++

		tick, err := s.source.GetPrice(ctx, sym)
		if err != nil {
			failed = true
			s.log.Warnw("poll_failed", "symbol", sym, "err", err)
			continue
		}

		s.mu.Lock()
		s.quotes[sym] = Quote{Tick: *tick, FetchedAt: time.Now()}
		s.mu.Unlock()
	}

	if failed && !idle {
		s.widenInterval()
	}
}

func (s *Service) setInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func (s *Service) widenInterval() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = time.Duration(float64(s.interval) * 1.2)
	if s.interval > s.cfg.MaxPollInterval {
		s.interval = s.cfg.MaxPollInterval
	}
}

// Subscribe registers interest in quotes. The first subscriber tightens the
// poll interval; every subscriber refreshes the activity timestamp.
func (s *Service) Subscribe() {
	s.mu.Lock()
	s.subscribers++
	s.lastActivity = time.Now()
	first := s.subscribers == 1
	if first {
		s.interval = time.Duration(float64(s.interval) * 0.8)
		if s.interval < s.cfg.MinPollInterval {
			s.interval = s.cfg.MinPollInterval
		}
	}
	s.mu.Unlock()

	if first {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Unsubscribe drops one subscriber.
func (s *Service) Unsubscribe() {
	s.mu.Lock()
	if s.subscribers > 0 {
		s.subscribers--
	}
	s.mu.Unlock()
}

// Touch marks the service active without changing the subscriber count.
// Conversational commands call this so the idle backoff resets.
func (s *Service) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.interval > s.cfg.PollInterval {
		s.interval = s.cfg.PollInterval
	}
	s.mu.Unlock()
}

// Quote returns the cached quote for a symbol, if one is young enough to use
// at all (within the cache TTL the cached copy is authoritative; beyond it the
// caller should prefer a direct fetch but may still display it with a
// freshness label).
func (s *Service) Quote(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// FreshQuote returns the cached quote only when it is within the cache TTL.
func (s *Service) FreshQuote(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok || time.Since(q.FetchedAt) > s.cfg.CacheTTL {
		return Quote{}, false
	}
	return q, true
}

// Ingest stores a tick pushed from outside the poll loop, such as an async
// price_update event from the connector.
func (s *Service) Ingest(tick bridge.Tick) {
	s.mu.Lock()
	s.quotes[tick.Symbol] = Quote{Tick: tick, FetchedAt: time.Now()}
	s.mu.Unlock()
}

// GetMarketData returns the freshest quote it can. A cached quote within the
// TTL is returned as-is; otherwise a refresh is forced through the source. If
// the refresh fails, the stale cached quote is returned with fresh=false.
func (s *Service) GetMarketData(ctx context.Context, symbol string) (Quote, bool, error) {
	s.Touch()

	if q, ok := s.FreshQuote(symbol); ok {
		return q, true, nil
	}

	tick, err := s.source.GetPrice(ctx, symbol)
	if err != nil {
		if q, ok := s.Quote(symbol); ok {
			return q, false, nil
		}
		return Quote{}, false, err
	}

	q := Quote{Tick: *tick, FetchedAt: time.Now()}
	s.mu.Lock()
	s.quotes[symbol] = q
	s.mu.Unlock()
	return q, true, nil
}

// Interval exposes the current poll interval (for health reporting).
func (s *Service) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}
