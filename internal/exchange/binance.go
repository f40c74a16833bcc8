package exchange

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/tidwall/gjson"
)

type binance struct {
	*base
}

// binanceKlines is the kline list of binance.
// Row: [openTime ms, open, high, low, close, volume, closeTime, quoteVolume, trades, ...].
type binanceKlines struct {
	Rows [][]interface{} `validate:"dive,min=6"`
}

type restRespBinanceTicker struct {
	Symbol    string `json:"symbol" validate:"required"`
	BidPrice  string `json:"bidPrice" validate:"required"`
	AskPrice  string `json:"askPrice" validate:"required"`
	LastPrice string `json:"lastPrice"`
	CloseTime int64  `json:"closeTime"`
}

// binanceInvalidSymbol is the binance error code of an unknown symbol.
const binanceInvalidSymbol = -1121

// NewBinance creates the binance adapter.
func NewBinance(cfg *config.Config, rest *connector.REST) Adapter {
	return &binance{base: newBase(Binance, cfg, rest)}
}

func (b *binance) FetchOverview(ctx context.Context, req Request) (*RawOverview, error) {
	return fetchOverview(ctx, b.base, b, req)
}

func (b *binance) candles(ctx context.Context, pair, interval string, req Request) ([]series.RawRow, error) {
	q := url.Values{}
	q.Add("symbol", pair)
	q.Add("interval", interval)
	q.Add("limit", strconv.Itoa(clampLimit(Binance, req)))
	body, err := b.get(ctx, "/api/v3/klines", q)
	if err != nil {
		return nil, b.checkPair(err, pair)
	}

	kl := binanceKlines{}
	if err = codec.Unmarshal(body, &kl.Rows); err != nil {
		return nil, b.parseErr(err, "klines")
	}
	if err = validate.Struct(&kl); err != nil {
		return nil, b.parseErr(err, "klines")
	}

	rows := make([]series.RawRow, 0, len(kl.Rows))
	for _, r := range kl.Rows {
		rows = append(rows, series.RawRow{Time: r[0], Open: r[1], High: r[2], Low: r[3], Close: r[4], Volume: r[5]})
	}
	return rows, nil
}

func (b *binance) ticker(ctx context.Context, pair string) (*series.Ticker, error) {
	q := url.Values{}
	q.Add("symbol", pair)
	body, err := b.get(ctx, "/api/v3/ticker/24hr", q)
	if err != nil {
		return nil, b.checkPair(err, pair)
	}
	rr := restRespBinanceTicker{}
	if err = codec.Unmarshal(body, &rr); err != nil {
		return nil, b.parseErr(err, "ticker")
	}
	if err = validate.Struct(&rr); err != nil {
		return nil, b.parseErr(err, "ticker")
	}
	bid, errBid := strconv.ParseFloat(rr.BidPrice, 64)
	ask, errAsk := strconv.ParseFloat(rr.AskPrice, 64)
	if errBid == nil && errAsk == nil && bid > 0 && ask > 0 {
		return series.NewTicker(bid, ask, rr.CloseTime), nil
	}
	last, err := strconv.ParseFloat(rr.LastPrice, 64)
	if err != nil {
		return nil, b.parseErr(err, "ticker last price")
	}
	return series.NewApproxTicker(last, rr.CloseTime), nil
}

// checkPair turns binance's invalid symbol answer into an unknown pair error.
func (b *binance) checkPair(err error, pair string) error {
	status, body, ok := statusBody(err)
	if !ok {
		return err
	}
	if gjson.Get(body, "code").Int() == binanceInvalidSymbol || strings.Contains(body, "Invalid symbol") {
		return b.unknownPair(status, pair, gjson.Get(body, "msg").String())
	}
	return err
}
