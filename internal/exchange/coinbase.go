package exchange

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/tidwall/gjson"
)

type coinbase struct {
	*base
}

// coinbaseCandles is the candle list of coinbase, newest first.
// Row: [time sec, low, high, open, close, volume].
type coinbaseCandles struct {
	Rows [][]interface{} `validate:"dive,len=6"`
}

type restRespCoinbaseTicker struct {
	Bid   string `json:"bid"`
	Ask   string `json:"ask"`
	Price string `json:"price" validate:"required"`
	Time  string `json:"time" validate:"required"`
}

// NewCoinbase creates the coinbase adapter.
func NewCoinbase(cfg *config.Config, rest *connector.REST) Adapter {
	return &coinbase{base: newBase(Coinbase, cfg, rest)}
}

func (c *coinbase) FetchOverview(ctx context.Context, req Request) (*RawOverview, error) {
	return fetchOverview(ctx, c.base, c, req)
}

// coinbasePages bounds the pages of one candle request. A year of daily bars takes two.
const coinbasePages = 4

// candles walks the window back from the last closed bar in start/end ranges of at most
// one coinbase page. An empty page means the product has no older history.
func (c *coinbase) candles(ctx context.Context, pair, interval string, req Request) ([]series.RawRow, error) {
	w := req.Timeframe.Window(req.Now)
	bar := req.Timeframe.Bar.Milliseconds()
	span := int64(config.MaxBars[Coinbase]-1) * bar

	var rows []series.RawRow
	for end, page := w.End-bar, 0; end >= w.Start && page < coinbasePages; page++ {
		start := end - span
		if start < w.Start {
			start = w.Start
		}
		got, err := c.candlePage(ctx, pair, interval, start, end)
		if err != nil {
			return nil, err
		}
		if len(got) == 0 {
			break
		}
		rows = append(rows, got...)
		end = start - bar
	}
	return rows, nil
}

// candlePage reads the candles opened within [start, end], epoch milliseconds.
func (c *coinbase) candlePage(ctx context.Context, pair, interval string, start, end int64) ([]series.RawRow, error) {
	q := url.Values{}
	q.Add("granularity", interval)
	q.Add("start", time.UnixMilli(start).UTC().Format(time.RFC3339))
	q.Add("end", time.UnixMilli(end).UTC().Format(time.RFC3339))
	body, err := c.get(ctx, "/products/"+url.PathEscape(pair)+"/candles", q)
	if err != nil {
		return nil, c.checkPair(err, pair)
	}

	cc := coinbaseCandles{}
	if err = codec.Unmarshal(body, &cc.Rows); err != nil {
		return nil, c.parseErr(err, "candles")
	}
	if err = validate.Struct(&cc); err != nil {
		return nil, c.parseErr(err, "candles")
	}

	rows := make([]series.RawRow, 0, len(cc.Rows))
	for _, r := range cc.Rows {
		rows = append(rows, series.RawRow{Time: r[0], Low: r[1], High: r[2], Open: r[3], Close: r[4], Volume: r[5]})
	}
	return rows, nil
}

func (c *coinbase) ticker(ctx context.Context, pair string) (*series.Ticker, error) {
	body, err := c.get(ctx, "/products/"+url.PathEscape(pair)+"/ticker", nil)
	if err != nil {
		return nil, c.checkPair(err, pair)
	}
	rr := restRespCoinbaseTicker{}
	if err = codec.Unmarshal(body, &rr); err != nil {
		return nil, c.parseErr(err, "ticker")
	}
	if err = validate.Struct(&rr); err != nil {
		return nil, c.parseErr(err, "ticker")
	}

	var ts int64
	if t, err := time.Parse(time.RFC3339Nano, rr.Time); err == nil {
		ts = t.UnixMilli()
	}
	bid, errBid := strconv.ParseFloat(rr.Bid, 64)
	ask, errAsk := strconv.ParseFloat(rr.Ask, 64)
	if errBid == nil && errAsk == nil && bid > 0 && ask > 0 {
		return series.NewTicker(bid, ask, ts), nil
	}
	last, err := strconv.ParseFloat(rr.Price, 64)
	if err != nil {
		return nil, c.parseErr(err, "ticker price")
	}
	return series.NewApproxTicker(last, ts), nil
}

// checkPair turns coinbase's not found answers into an unknown pair error.
func (c *coinbase) checkPair(err error, pair string) error {
	status, body, ok := statusBody(err)
	if !ok {
		return err
	}
	msg := gjson.Get(body, "message").String()
	if status == http.StatusNotFound || msg == "NotFound" || msg == "Invalid product_id" {
		return c.unknownPair(status, pair, msg)
	}
	return err
}
