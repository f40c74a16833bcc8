package exchange

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/metrics"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Venue names.
const (
	Aggregator = "aggregator"
	Binance    = "binance"
	Coinbase   = "coinbase"
	Kraken     = "kraken"
	OKX        = "okx"
	Bybit      = "bybit"
)

// Venues lists every venue in canonical order.
var Venues = []string{Aggregator, Binance, Coinbase, Kraken, OKX, Bybit}

// DirectVenues lists the venues reachable without the primary backend, in canonical order.
var DirectVenues = []string{Binance, Coinbase, Kraken, OKX, Bybit}

// Request is a venue agnostic overview request. Now fixes the bar window.
type Request struct {
	Venue     string
	Symbol    string
	Timeframe series.Timeframe
	Now       time.Time
}

// RawOverview is what an adapter hands to the normalizer.
type RawOverview struct {
	Pair   string
	Rows   []series.RawRow
	Ticker *series.Ticker
}

// Adapter fetches an overview from one venue.
// It returns an error rather than an overview without bars.
type Adapter interface {
	Venue() string
	FetchOverview(ctx context.Context, req Request) (*RawOverview, error)
}

// Kind classifies venue errors.
type Kind string

// Error kinds.
const (
	KindTransient Kind = "transient"
	KindClient    Kind = "client"
	KindParse     Kind = "parse"
	KindWarming   Kind = "warming"
	KindEmpty     Kind = "empty"
	KindCanceled  Kind = "canceled"
)

var (
	// ErrUnknownPair is wrapped when a venue rejects a pair name.
	ErrUnknownPair = errors.New("unknown asset pair")
	// ErrNoBars is wrapped when a venue answered without a single bar.
	ErrNoBars = errors.New("no bars")
	// ErrUnsupportedInterval is wrapped when a venue has no candle of the requested size.
	ErrUnsupportedInterval = errors.New("unsupported interval")
)

// VenueError is an adapter failure with its classification.
type VenueError struct {
	Venue      string
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *VenueError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Venue, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Venue, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a VenueError anywhere in the chain, or KindTransient.
func KindOf(err error) Kind {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransient
}

// codec decodes numbers as json.Number so values reach the normalizer untouched.
var codec = jsoniter.Config{UseNumber: true}.Froze()

var validate = validator.New()

// base holds what every direct venue adapter shares.
type base struct {
	venue   string
	baseURL string
	rest    *connector.REST
	limiter *rate.Limiter
	opts    connector.CallOptions
	now     func() time.Time
}

func newBase(venue string, cfg *config.Config, rest *connector.REST) *base {
	return &base{
		venue:   venue,
		baseURL: cfg.BaseURL(venue),
		rest:    rest,
		limiter: rate.NewLimiter(rate.Limit(cfg.Venues.RatePerSec), cfg.Venues.RateBurst),
		opts: connector.CallOptions{
			Target:     venue,
			Timeout:    config.Millis(cfg.Venues.TimeoutMs),
			MaxRetries: cfg.Venues.MaxRetries,
			RetryDelay: config.Millis(cfg.Venues.RetryDelayMs),
		},
		now: time.Now,
	}
}

func (b *base) Venue() string {
	return b.venue
}

// get waits for the venue rate limiter and performs the call, turning a non success
// outcome into a *VenueError.
func (b *base) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, b.fail(KindCanceled, 0, errors.Wrap(err, "rate limiter"))
	}
	u := b.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	out := b.rest.Call(ctx, u, b.opts)
	return outcomeBody(b.venue, out)
}

func outcomeBody(venue string, out connector.Outcome) ([]byte, error) {
	switch out.Kind {
	case connector.Success:
		return out.Body, nil
	case connector.Warming:
		return nil, &VenueError{Venue: venue, Kind: KindWarming, Status: out.Status, RetryAfter: out.RetryAfter, Err: out.Err}
	}
	if errors.Is(out.Err, context.Canceled) {
		return nil, &VenueError{Venue: venue, Kind: KindCanceled, Err: out.Err}
	}
	var se *connector.StatusError
	if errors.As(out.Err, &se) && se.Status < 500 {
		return nil, &VenueError{Venue: venue, Kind: KindClient, Status: se.Status, Err: out.Err}
	}
	return nil, &VenueError{Venue: venue, Kind: KindTransient, Status: out.Status, Err: out.Err}
}

func (b *base) fail(kind Kind, status int, err error) error {
	return &VenueError{Venue: b.venue, Kind: kind, Status: status, Err: err}
}

// parseErr wraps a decode or validation failure.
func (b *base) parseErr(err error, what string) error {
	return b.fail(KindParse, 0, errors.Wrap(err, "parse "+what))
}

// unknownPair builds the error that moves the pair state machine to its fallback.
func (b *base) unknownPair(status int, pair, detail string) error {
	return b.fail(KindClient, status, errors.Wrapf(ErrUnknownPair, "%s: %s", pair, detail))
}

// statusBody returns the truncated body of a client status error, if err is one.
func statusBody(err error) (int, string, bool) {
	var se *connector.StatusError
	if errors.As(err, &se) {
		return se.Status, se.Body, true
	}
	return 0, "", false
}

// venueAPI is implemented by every direct venue.
type venueAPI interface {
	candles(ctx context.Context, pair, interval string, req Request) ([]series.RawRow, error)
	ticker(ctx context.Context, pair string) (*series.Ticker, error)
}

// fetchOverview is the shared flow of the direct adapters: translate the interval,
// then fetch candles and ticker for the mapped pair through the pair state machine.
func fetchOverview(ctx context.Context, b *base, api venueAPI, req Request) (*RawOverview, error) {
	interval, ok := config.Intervals[b.venue][req.Timeframe.BarKey()]
	if !ok {
		return nil, b.fail(KindClient, 0, errors.Wrap(ErrUnsupportedInterval, req.Timeframe.BarKey()))
	}
	pairs := config.LookupPair(req.Symbol, b.venue)
	return resolvePair(ctx, b.venue, pairs, func(ctx context.Context, pair string) (*RawOverview, error) {
		return fetchPair(ctx, b.venue, api, pair, interval, req)
	})
}

// pairState is a state of the pair fallback machine.
type pairState int

const (
	tryPrimary pairState = iota
	tryFallback
	pairFailed
)

// resolvePair runs TryPrimary -> TryFallback -> Fail. The only edge into TryFallback
// leaves TryPrimary, so the secondary pair is attempted at most once.
func resolvePair(ctx context.Context, venue string, pc config.PairCandidates,
	fetch func(context.Context, string) (*RawOverview, error)) (*RawOverview, error) {

	var err error
	state := tryPrimary
	for state != pairFailed {
		pair := pc.Primary
		if state == tryFallback {
			pair = pc.Fallback
			metrics.RecordPairFallback(venue)
			log.Debug().Str("venue", venue).Str("pair", pair).Msg("retrying with fallback pair")
		}
		var ro *RawOverview
		ro, err = fetch(ctx, pair)
		if err == nil {
			return ro, nil
		}
		state = nextPairState(state, pc, err)
	}
	return nil, err
}

func nextPairState(state pairState, pc config.PairCandidates, err error) pairState {
	if state == tryPrimary && pc.Fallback != "" && errors.Is(err, ErrUnknownPair) {
		return tryFallback
	}
	return pairFailed
}

// fetchPair issues the candle and ticker reads concurrently and joins them.
// A ticker failure only leaves the ticker empty.
func fetchPair(ctx context.Context, venue string, api venueAPI, pair, interval string, req Request) (*RawOverview, error) {
	g, gctx := errgroup.WithContext(ctx)

	var (
		rows []series.RawRow
		tk   *series.Ticker
	)
	g.Go(func() error {
		var err error
		rows, err = api.candles(gctx, pair, interval, req)
		return err
	})
	g.Go(func() error {
		t, err := api.ticker(gctx, pair)
		if err != nil {
			if gctx.Err() == nil {
				log.Warn().Err(err).Str("venue", venue).Str("pair", pair).Msg("ticker unavailable")
			}
			return nil
		}
		tk = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &VenueError{Venue: venue, Kind: KindEmpty, Err: errors.Wrap(ErrNoBars, pair)}
	}
	return &RawOverview{Pair: pair, Rows: rows, Ticker: tk}, nil
}

// New creates the adapter of a venue.
func New(venue string, cfg *config.Config, rest *connector.REST) (Adapter, error) {
	switch venue {
	case Aggregator:
		return NewAggregator(Aggregator, cfg, rest), nil
	case Binance:
		return NewBinance(cfg, rest), nil
	case Coinbase:
		return NewCoinbase(cfg, rest), nil
	case Kraken:
		return NewKraken(cfg, rest), nil
	case OKX:
		return NewOKX(cfg, rest), nil
	case Bybit:
		return NewBybit(cfg, rest), nil
	}
	return nil, errors.Errorf("unknown venue %s", venue)
}

// clampLimit caps the requested bar count at the venue page size.
func clampLimit(venue string, req Request) int {
	limit := req.Timeframe.Limit(req.Now)
	if maxBars := config.MaxBars[venue]; maxBars > 0 && limit > maxBars {
		limit = maxBars
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
