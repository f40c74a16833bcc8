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
)

type bybit struct {
	*base
}

// restRespBybitKline is the bybit kline answer, newest first.
// Row: [startTime ms, open, high, low, close, volume, turnover].
type restRespBybitKline struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string          `json:"symbol"`
		List   [][]interface{} `json:"list" validate:"dive,min=6"`
	} `json:"result"`
}

type restRespBybitTickers struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Time    int64  `json:"time"`
	Result  struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	} `json:"result"`
}

// bybitParamsError is the bybit code returned, among others, for an invalid symbol.
const bybitParamsError = 10001

// NewBybit creates the bybit adapter.
func NewBybit(cfg *config.Config, rest *connector.REST) Adapter {
	return &bybit{base: newBase(Bybit, cfg, rest)}
}

func (b *bybit) FetchOverview(ctx context.Context, req Request) (*RawOverview, error) {
	return fetchOverview(ctx, b.base, b, req)
}

func (b *bybit) candles(ctx context.Context, pair, interval string, req Request) ([]series.RawRow, error) {
	q := url.Values{}
	q.Add("category", "spot")
	q.Add("symbol", pair)
	q.Add("interval", interval)
	q.Add("limit", strconv.Itoa(clampLimit(Bybit, req)))
	body, err := b.get(ctx, "/v5/market/kline", q)
	if err != nil {
		return nil, err
	}

	rr := restRespBybitKline{}
	if err = codec.Unmarshal(body, &rr); err != nil {
		return nil, b.parseErr(err, "kline")
	}
	if err = b.checkCode(rr.RetCode, rr.RetMsg, pair); err != nil {
		return nil, err
	}
	if err = validate.Struct(&rr); err != nil {
		return nil, b.parseErr(err, "kline")
	}

	rows := make([]series.RawRow, 0, len(rr.Result.List))
	for _, r := range rr.Result.List {
		rows = append(rows, series.RawRow{Time: r[0], Open: r[1], High: r[2], Low: r[3], Close: r[4], Volume: r[5]})
	}
	return rows, nil
}

func (b *bybit) ticker(ctx context.Context, pair string) (*series.Ticker, error) {
	q := url.Values{}
	q.Add("category", "spot")
	q.Add("symbol", pair)
	body, err := b.get(ctx, "/v5/market/tickers", q)
	if err != nil {
		return nil, err
	}
	rr := restRespBybitTickers{}
	if err = codec.Unmarshal(body, &rr); err != nil {
		return nil, b.parseErr(err, "tickers")
	}
	if err = b.checkCode(rr.RetCode, rr.RetMsg, pair); err != nil {
		return nil, err
	}
	if len(rr.Result.List) == 0 {
		return nil, b.parseErr(errors.New("empty list"), "tickers")
	}

	t := rr.Result.List[0]
	bid, errBid := strconv.ParseFloat(t.Bid1Price, 64)
	ask, errAsk := strconv.ParseFloat(t.Ask1Price, 64)
	if errBid == nil && errAsk == nil && bid > 0 && ask > 0 {
		return series.NewTicker(bid, ask, rr.Time), nil
	}
	last, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return nil, b.parseErr(err, "tickers last price")
	}
	return series.NewApproxTicker(last, rr.Time), nil
}

// checkCode maps a non zero bybit retCode to an error.
func (b *bybit) checkCode(code int, msg, pair string) error {
	if code == 0 {
		return nil
	}
	if code == bybitParamsError && strings.Contains(strings.ToLower(msg), "symbol") {
		return b.unknownPair(0, pair, msg)
	}
	return b.fail(KindClient, 0, errors.Errorf("bybit retCode %d: %s", code, msg))
}
