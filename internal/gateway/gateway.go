// Package gateway orchestrates one overview request: cache, primary backend, direct venue
// fallback, normalization, and the audit trail of what was served.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/exchange"
	"github.com/milkywaybrain/venuegate/internal/leadership"
	"github.com/milkywaybrain/venuegate/internal/metrics"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/milkywaybrain/venuegate/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Cache is the overview cache used by the gateway.
type Cache interface {
	Get(ctx context.Context, venue, symbol, tf string) (*series.Overview, error)
	Set(ctx context.Context, tf string, ov *series.Overview) error
}

// Request is one inbound overview request.
type Request struct {
	Venue     string
	Symbol    string
	Timeframe series.Timeframe
	RequestID string
}

// Gateway serves normalized overviews. It is safe for concurrent use; the only state
// shared between requests is read only.
type Gateway struct {
	cfg      *config.Config
	rest     *connector.REST
	primary  map[string]exchange.Adapter
	direct   map[string]exchange.Adapter
	cache    Cache
	recorder *storage.Recorder
	now      func() time.Time
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithCache enables the overview cache.
func WithCache(c Cache) Option {
	return func(g *Gateway) { g.cache = c }
}

// WithRecorder enables the fetch audit trail.
func WithRecorder(r *storage.Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithClock replaces the wall clock used for bar windows and asOf stamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates the gateway with one primary adapter per venue and the enabled direct adapters.
func New(cfg *config.Config, rest *connector.REST, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		rest:    rest,
		primary: make(map[string]exchange.Adapter),
		direct:  make(map[string]exchange.Adapter),
		now:     time.Now,
	}
	if cfg.Primary.BaseURL != "" {
		for _, v := range exchange.Venues {
			g.primary[v] = exchange.NewAggregator(v, cfg, rest)
		}
	}
	for _, v := range exchange.DirectVenues {
		if !cfg.Venues.Enabled(v) {
			continue
		}
		a, err := exchange.New(v, cfg, rest)
		if err != nil {
			logErrStack(err)
			continue
		}
		g.direct[v] = a
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Overview returns the normalized overview of a venue. It never returns nil: when every
// path failed the overview carries an error flag, zeroed ticker and empty bars.
func (g *Gateway) Overview(ctx context.Context, req Request) *series.Overview {
	start := time.Now()
	now := g.now()

	if g.cache != nil {
		hit, err := g.cache.Get(ctx, req.Venue, req.Symbol, req.Timeframe.Name)
		if err != nil {
			log.Warn().Err(err).Str("venue", req.Venue).Str("symbol", req.Symbol).Msg("cache read failed")
		}
		if hit != nil {
			g.finish(ctx, req, hit, start)
			return hit
		}
	}

	exReq := exchange.Request{Venue: req.Venue, Symbol: req.Symbol, Timeframe: req.Timeframe, Now: now}
	window := req.Timeframe.Window(now)

	var (
		warming *series.Warming
		ov      *series.Overview
	)
	if a, ok := g.primary[req.Venue]; ok {
		bars, tk, err := fetch(ctx, a, exReq, window)
		if err == nil {
			ov = g.build(req, now, series.SourcePrimary, tk, bars)
		} else {
			warming = warmingOf(err)
			g.logFailure(req, "primary", err)
			if req.Venue != exchange.Aggregator && ctx.Err() == nil {
				metrics.RecordFallback(req.Venue, string(exchange.KindOf(err)))
			}
		}
	}

	if ov == nil && ctx.Err() == nil {
		if a, ok := g.direct[req.Venue]; ok {
			bars, tk, err := fetch(ctx, a, exReq, window)
			if err == nil {
				ov = g.build(req, now, series.SourceDirect, tk, bars)
			} else {
				g.logFailure(req, "direct", err)
			}
		}
	}

	if ov == nil {
		ov = series.Failed(req.Venue, req.Symbol, now.UnixMilli(), warming)
	} else {
		ov.Warming = warming
		if g.cache != nil && ctx.Err() == nil {
			if err := g.cache.Set(ctx, req.Timeframe.Name, ov); err != nil {
				log.Warn().Err(err).Str("venue", req.Venue).Str("symbol", req.Symbol).Msg("cache write failed")
			}
		}
	}
	g.finish(ctx, req, ov, start)
	return ov
}

// fetch runs an adapter and normalizes its rows. A payload that normalizes to no bar
// is an empty result, never a success.
func fetch(ctx context.Context, a exchange.Adapter, req exchange.Request, w series.Window) ([]series.Bar, *series.Ticker, error) {
	ro, err := a.FetchOverview(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	bars := series.Normalize(ro.Rows, w)
	if len(bars) == 0 {
		return nil, nil, &exchange.VenueError{Venue: a.Venue(), Kind: exchange.KindEmpty,
			Err: errors.Wrapf(exchange.ErrNoBars, "%s: no closed bar in window", ro.Pair)}
	}
	return bars, ro.Ticker, nil
}

func (g *Gateway) build(req Request, now time.Time, source string, tk *series.Ticker, bars []series.Bar) *series.Overview {
	return &series.Overview{
		Venue:  req.Venue,
		Symbol: req.Symbol,
		AsOf:   now.UnixMilli(),
		Source: source,
		Ticker: tk,
		OHLCV:  bars,
	}
}

func warmingOf(err error) *series.Warming {
	var ve *exchange.VenueError
	if errors.As(err, &ve) && ve.Kind == exchange.KindWarming {
		return &series.Warming{RetryAfterSec: int(ve.RetryAfter.Round(time.Second) / time.Second)}
	}
	return nil
}

func (g *Gateway) logFailure(req Request, path string, err error) {
	if errors.Is(err, context.Canceled) {
		log.Debug().Str("venue", req.Venue).Str("symbol", req.Symbol).Str("path", path).Msg("request canceled")
		return
	}
	var status int
	var ve *exchange.VenueError
	if errors.As(err, &ve) {
		status = ve.Status
	}
	log.Error().Stack().Err(errors.WithStack(err)).
		Str("venue", req.Venue).
		Str("symbol", req.Symbol).
		Str("tf", req.Timeframe.Name).
		Str("path", path).
		Int("status", status).
		Str("request_id", req.RequestID).
		Msg("overview fetch failed")
}

// finish records metrics and the audit record of a served overview.
func (g *Gateway) finish(ctx context.Context, req Request, ov *series.Overview, start time.Time) {
	d := time.Since(start)
	failed := ov.Error != ""
	metrics.RecordOverview(req.Venue, ov.Source, failed, d)

	if !g.recorder.Enabled() {
		return
	}
	rec := storage.FetchRecord{
		RequestID: req.RequestID,
		Venue:     req.Venue,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe.Name,
		Source:    ov.Source,
		Bars:      len(ov.OHLCV),
		Error:     ov.Error,
		Warming:   ov.Warming != nil,
		LatencyMs: d.Milliseconds(),
		Timestamp: g.now().UTC(),
	}
	if err := g.recorder.Record(ctx, rec); err != nil && ctx.Err() == nil {
		logErrStack(err)
	}
}

// LeadershipReport is the leadership statistic with the venues it was computed from.
type LeadershipReport struct {
	Symbol    string            `json:"symbol"`
	Timeframe string            `json:"timeframe"`
	Venues    []string          `json:"venues"`
	Result    leadership.Result `json:"result"`
}

// Leadership fetches every enabled direct venue concurrently and computes the
// leadership statistic over the ones that answered.
func (g *Gateway) Leadership(ctx context.Context, symbol string, tf series.Timeframe, requestID string) *LeadershipReport {
	var (
		mu   sync.Mutex
		bars = make(map[string][]series.Bar)
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, v := range exchange.DirectVenues {
		if _, ok := g.direct[v]; !ok {
			continue
		}
		venue := v
		eg.Go(func() error {
			ov := g.Overview(egCtx, Request{Venue: venue, Symbol: symbol, Timeframe: tf, RequestID: requestID})
			if ov.Error != "" {
				return nil
			}
			mu.Lock()
			bars[venue] = ov.OHLCV
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	venues := make([]string, 0, len(bars))
	for _, v := range exchange.DirectVenues {
		if _, ok := bars[v]; ok {
			venues = append(venues, v)
		}
	}
	return &LeadershipReport{
		Symbol:    symbol,
		Timeframe: tf.Name,
		Venues:    venues,
		Result:    leadership.Compute(bars),
	}
}

// KeepWarm pings the primary backend once so it does not go cold between requests.
func (g *Gateway) KeepWarm(ctx context.Context) {
	if g.cfg.Primary.BaseURL == "" {
		return
	}
	out := exchange.KeepWarm(ctx, g.cfg, g.rest)
	switch out.Kind {
	case connector.Success:
		log.Debug().Int("status", out.Status).Msg("primary backend warm")
	case connector.Warming:
		log.Info().Dur("retry_after", out.RetryAfter).Msg("primary backend warming up")
	default:
		log.Warn().Err(out.Err).Msg("primary backend keep-warm ping failed")
	}
}

// Venues lists the venues the gateway can serve: every venue when the primary backend is
// configured, otherwise the enabled direct ones.
func (g *Gateway) Venues() []string {
	var out []string
	for _, v := range exchange.Venues {
		_, p := g.primary[v]
		_, d := g.direct[v]
		if p || d {
			out = append(out, v)
		}
	}
	return out
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
