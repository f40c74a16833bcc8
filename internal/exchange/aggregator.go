package exchange

import (
	"context"
	"net/url"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// aggregator reads the overview the primary aggregation backend already built for a venue.
// It serves every venue name, so the gateway uses one instance per venue it proxies.
type aggregator struct {
	venue   string
	baseURL string
	rest    *connector.REST
	opts    connector.CallOptions
}

// restRespAggregator is the primary backend overview. OHLCV rows are either objects or
// positional arrays [t, o, h, l, c, v], so they are kept raw and probed with gjson.
type restRespAggregator struct {
	Error  string                `json:"error"`
	Ticker *restRespAggTicker    `json:"ticker"`
	OHLCV  []jsoniter.RawMessage `json:"ohlcv" validate:"required"`
}

type restRespAggTicker struct {
	Bid  jsoniter.Number `json:"bid"`
	Ask  jsoniter.Number `json:"ask"`
	Last jsoniter.Number `json:"last"`
	Ts   int64           `json:"ts"`
}

// aggregatorTimeKeys and friends are the accepted object keys of a row, in priority order.
var (
	aggregatorTimeKeys   = []string{"timestampMs", "ts", "t", "time", "timestamp"}
	aggregatorOpenKeys   = []string{"open", "o"}
	aggregatorHighKeys   = []string{"high", "h"}
	aggregatorLowKeys    = []string{"low", "l"}
	aggregatorCloseKeys  = []string{"close", "c"}
	aggregatorVolumeKeys = []string{"volume", "v", "vol"}
)

// NewAggregator creates the primary backend adapter for venue.
// The primary backend gets its own cold start tolerant timeout and warming delay.
func NewAggregator(venue string, cfg *config.Config, rest *connector.REST) Adapter {
	return &aggregator{
		venue:   venue,
		baseURL: cfg.Primary.BaseURL,
		rest:    rest,
		opts: connector.CallOptions{
			Target:          "primary",
			Timeout:         config.Millis(cfg.Primary.TimeoutMs),
			MaxRetries:      cfg.Primary.MaxRetries,
			RetryDelay:      config.Millis(cfg.Primary.RetryDelayMs),
			WarmingDelay:    config.Millis(cfg.Primary.WarmingDelayMs),
			MaxWarmingDelay: config.Millis(cfg.Primary.MaxWarmingDelayMs),
		},
	}
}

func (a *aggregator) Venue() string {
	return a.venue
}

func (a *aggregator) FetchOverview(ctx context.Context, req Request) (*RawOverview, error) {
	if a.baseURL == "" {
		return nil, &VenueError{Venue: a.venue, Kind: KindClient, Err: errors.New("primary backend not configured")}
	}
	q := url.Values{}
	q.Add("symbol", req.Symbol)
	q.Add("tf", req.Timeframe.Name)
	u := a.baseURL + "/exchanges/" + url.PathEscape(a.venue) + "/overview?" + q.Encode()

	out := a.rest.Call(ctx, u, a.opts)
	body, err := outcomeBody(a.venue, out)
	if err != nil {
		return nil, err
	}

	rr := restRespAggregator{}
	if err = codec.Unmarshal(body, &rr); err != nil {
		return nil, a.parseErr(err)
	}
	if rr.Error != "" {
		return nil, &VenueError{Venue: a.venue, Kind: KindEmpty, Err: errors.Wrap(ErrNoBars, "primary reported "+rr.Error)}
	}
	if err = validate.Struct(&rr); err != nil {
		return nil, a.parseErr(err)
	}
	if len(rr.OHLCV) == 0 {
		return nil, &VenueError{Venue: a.venue, Kind: KindEmpty, Err: errors.Wrap(ErrNoBars, "primary")}
	}

	rows := make([]series.RawRow, 0, len(rr.OHLCV))
	for _, raw := range rr.OHLCV {
		row, ok := aggregatorRow(gjson.ParseBytes(raw))
		if !ok {
			return nil, a.parseErr(errors.Errorf("unexpected ohlcv row %s", string(raw)))
		}
		rows = append(rows, row)
	}
	return &RawOverview{Pair: req.Symbol, Rows: rows, Ticker: aggregatorTicker(rr.Ticker)}, nil
}

func (a *aggregator) parseErr(err error) error {
	return &VenueError{Venue: a.venue, Kind: KindParse, Err: errors.Wrap(err, "parse primary overview")}
}

// aggregatorRow reads one ohlcv row of either shape. Values stay raw for the normalizer.
func aggregatorRow(r gjson.Result) (series.RawRow, bool) {
	switch {
	case r.IsArray():
		vals := r.Array()
		if len(vals) < 5 {
			return series.RawRow{}, false
		}
		row := series.RawRow{Time: rawValue(vals[0]), Open: rawValue(vals[1]), High: rawValue(vals[2]),
			Low: rawValue(vals[3]), Close: rawValue(vals[4])}
		if len(vals) > 5 {
			row.Volume = rawValue(vals[5])
		}
		return row, true
	case r.IsObject():
		t := firstOf(r, aggregatorTimeKeys)
		if t == nil {
			return series.RawRow{}, false
		}
		return series.RawRow{
			Time:   t,
			Open:   firstOf(r, aggregatorOpenKeys),
			High:   firstOf(r, aggregatorHighKeys),
			Low:    firstOf(r, aggregatorLowKeys),
			Close:  firstOf(r, aggregatorCloseKeys),
			Volume: firstOf(r, aggregatorVolumeKeys),
		}, true
	}
	return series.RawRow{}, false
}

func firstOf(r gjson.Result, keys []string) interface{} {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return rawValue(v)
		}
	}
	return nil
}

// rawValue keeps numbers as their literal text so the normalizer sees what upstream sent.
func rawValue(v gjson.Result) interface{} {
	switch v.Type {
	case gjson.Number:
		return jsoniter.Number(v.Raw)
	case gjson.String:
		return v.Str
	}
	return nil
}

func aggregatorTicker(t *restRespAggTicker) *series.Ticker {
	if t == nil {
		return nil
	}
	bid, errBid := t.Bid.Float64()
	ask, errAsk := t.Ask.Float64()
	if errBid == nil && errAsk == nil && bid > 0 && ask > 0 {
		return series.NewTicker(bid, ask, t.Ts)
	}
	if last, err := t.Last.Float64(); err == nil && last > 0 {
		return series.NewApproxTicker(last, t.Ts)
	}
	return nil
}

// KeepWarm pings the primary backend health endpoint once, without retry.
func KeepWarm(ctx context.Context, cfg *config.Config, rest *connector.REST) connector.Outcome {
	return rest.Call(ctx, cfg.Primary.BaseURL+"/healthz", connector.CallOptions{
		Target:  "keepwarm",
		Timeout: config.Millis(cfg.Primary.TimeoutMs),
	})
}
