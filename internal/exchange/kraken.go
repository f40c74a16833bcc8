package exchange

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

type kraken struct {
	*base
}

// krakenOHLC is the candle list kraken nests under a pair key of its own choosing.
// Row: [time sec, open, high, low, close, vwap, volume, count].
type krakenOHLC struct {
	Rows [][]interface{} `validate:"dive,min=7"`
}

// krakenTicker is one pair of the kraken ticker result.
// a and b are [price, whole lot volume, lot volume], c is [price, lot volume].
type krakenTicker struct {
	Ask  []string `json:"a" validate:"min=1"`
	Bid  []string `json:"b" validate:"min=1"`
	Last []string `json:"c"`
}

// NewKraken creates the kraken adapter.
func NewKraken(cfg *config.Config, rest *connector.REST) Adapter {
	return &kraken{base: newBase(Kraken, cfg, rest)}
}

func (k *kraken) FetchOverview(ctx context.Context, req Request) (*RawOverview, error) {
	return fetchOverview(ctx, k.base, k, req)
}

func (k *kraken) candles(ctx context.Context, pair, interval string, req Request) ([]series.RawRow, error) {
	q := url.Values{}
	q.Add("pair", pair)
	q.Add("interval", interval)
	if start := req.Timeframe.Window(req.Now).Start; start > 0 {
		q.Add("since", strconv.FormatInt(start/1000-1, 10))
	}
	body, err := k.get(ctx, "/0/public/OHLC", q)
	if err != nil {
		return nil, err
	}
	result, err := k.result(body, pair)
	if err != nil {
		return nil, err
	}

	ohlc := krakenOHLC{}
	if err = codec.UnmarshalFromString(result.Raw, &ohlc.Rows); err != nil {
		return nil, k.parseErr(err, "ohlc")
	}
	if err = validate.Struct(&ohlc); err != nil {
		return nil, k.parseErr(err, "ohlc")
	}

	// Index 5 is the vwap, volume is index 6.
	rows := make([]series.RawRow, 0, len(ohlc.Rows))
	for _, r := range ohlc.Rows {
		rows = append(rows, series.RawRow{Time: r[0], Open: r[1], High: r[2], Low: r[3], Close: r[4], Volume: r[6]})
	}
	return rows, nil
}

func (k *kraken) ticker(ctx context.Context, pair string) (*series.Ticker, error) {
	q := url.Values{}
	q.Add("pair", pair)
	body, err := k.get(ctx, "/0/public/Ticker", q)
	if err != nil {
		return nil, err
	}
	ts := k.now().UnixMilli()
	result, err := k.result(body, pair)
	if err != nil {
		return nil, err
	}

	kt := krakenTicker{}
	if err = codec.UnmarshalFromString(result.Raw, &kt); err != nil {
		return nil, k.parseErr(err, "ticker")
	}
	if err = validate.Struct(&kt); err != nil {
		if len(kt.Last) > 0 {
			if last, perr := strconv.ParseFloat(kt.Last[0], 64); perr == nil {
				return series.NewApproxTicker(last, ts), nil
			}
		}
		return nil, k.parseErr(err, "ticker")
	}
	bid, err := strconv.ParseFloat(kt.Bid[0], 64)
	if err != nil {
		return nil, k.parseErr(err, "ticker bid")
	}
	ask, err := strconv.ParseFloat(kt.Ask[0], 64)
	if err != nil {
		return nil, k.parseErr(err, "ticker ask")
	}
	return series.NewTicker(bid, ask, ts), nil
}

// result checks the kraken error list and returns the value of the pair key in result.
// Kraken answers 200 even for errors, and may key the result by its own pair name
// (XBTUSD becomes XXBTZUSD), so the first key other than "last" is taken.
func (k *kraken) result(body []byte, pair string) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, k.parseErr(errors.New("invalid json"), "response")
	}
	for _, e := range gjson.GetBytes(body, "error").Array() {
		msg := e.String()
		switch {
		case strings.Contains(msg, "Unknown asset pair"):
			return gjson.Result{}, k.unknownPair(0, pair, msg)
		case strings.HasPrefix(msg, "EService:"), strings.HasPrefix(msg, "EAPI:Rate limit"):
			return gjson.Result{}, k.fail(KindTransient, 0, errors.New(msg))
		default:
			return gjson.Result{}, k.fail(KindClient, 0, errors.New(msg))
		}
	}

	var found gjson.Result
	gjson.GetBytes(body, "result").ForEach(func(key, value gjson.Result) bool {
		if key.String() == "last" {
			return true
		}
		found = value
		return false
	})
	if !found.Exists() {
		return gjson.Result{}, k.parseErr(errors.New("no pair key in result"), "response")
	}
	return found, nil
}
