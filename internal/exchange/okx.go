package exchange

import (
	"context"
	"net/url"
	"strconv"

	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

type okx struct {
	*base
}

// restRespOKXCandles is the okx candle answer, newest first.
// Row: [ts ms, open, high, low, close, vol, volCcy, volCcyQuote, confirm].
type restRespOKXCandles struct {
	Code string          `json:"code" validate:"required"`
	Msg  string          `json:"msg"`
	Data [][]interface{} `json:"data" validate:"dive,min=6"`
}

type restRespOKXTicker struct {
	Code string `json:"code" validate:"required"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		AskPx  string `json:"askPx"`
		BidPx  string `json:"bidPx"`
		Ts     string `json:"ts"`
	} `json:"data"`
}

// okxInstrumentNotFound is the okx error code of an unknown instrument.
const okxInstrumentNotFound = "51001"

// NewOKX creates the okx adapter.
func NewOKX(cfg *config.Config, rest *connector.REST) Adapter {
	return &okx{base: newBase(OKX, cfg, rest)}
}

func (o *okx) FetchOverview(ctx context.Context, req Request) (*RawOverview, error) {
	return fetchOverview(ctx, o.base, o, req)
}

// okxHistoryLimit is the page size of the okx history candles endpoint.
const okxHistoryLimit = 100

// okxPages bounds the history pages read after the latest page.
const okxPages = 6

// candles reads the latest page, then pages back through the history endpoint until
// the window start is covered. A short page means the instrument has no older bars.
func (o *okx) candles(ctx context.Context, pair, interval string, req Request) ([]series.RawRow, error) {
	limit := clampLimit(OKX, req)
	q := url.Values{}
	q.Add("instId", pair)
	q.Add("bar", interval)
	q.Add("limit", strconv.Itoa(limit))
	data, err := o.candlePage(ctx, "/api/v5/market/candles", q, pair)
	if err != nil {
		return nil, err
	}
	rows := okxRows(nil, data)

	start := req.Timeframe.Window(req.Now).Start
	for page := 0; page < okxPages && len(data) >= limit; page++ {
		oldest, ok := okxOldest(data)
		if !ok || oldest <= start {
			break
		}
		limit = okxHistoryLimit
		q.Set("after", strconv.FormatInt(oldest, 10))
		q.Set("limit", strconv.Itoa(limit))
		if data, err = o.candlePage(ctx, "/api/v5/market/history-candles", q, pair); err != nil {
			return nil, err
		}
		rows = okxRows(rows, data)
	}
	return rows, nil
}

func (o *okx) candlePage(ctx context.Context, path string, q url.Values, pair string) ([][]interface{}, error) {
	body, err := o.get(ctx, path, q)
	if err != nil {
		return nil, o.checkPair(err, pair)
	}

	rr := restRespOKXCandles{}
	if err = codec.Unmarshal(body, &rr); err != nil {
		return nil, o.parseErr(err, "candles")
	}
	if err = o.checkCode(rr.Code, rr.Msg, pair); err != nil {
		return nil, err
	}
	if err = validate.Struct(&rr); err != nil {
		return nil, o.parseErr(err, "candles")
	}
	return rr.Data, nil
}

func okxRows(rows []series.RawRow, data [][]interface{}) []series.RawRow {
	for _, r := range data {
		rows = append(rows, series.RawRow{Time: r[0], Open: r[1], High: r[2], Low: r[3], Close: r[4], Volume: r[5]})
	}
	return rows
}

// okxOldest is the smallest open time of a candle page, in epoch milliseconds.
func okxOldest(data [][]interface{}) (int64, bool) {
	var (
		oldest int64
		found  bool
	)
	for _, r := range data {
		s, ok := r[0].(string)
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		if !found || ts < oldest {
			oldest, found = ts, true
		}
	}
	return oldest, found
}

func (o *okx) ticker(ctx context.Context, pair string) (*series.Ticker, error) {
	q := url.Values{}
	q.Add("instId", pair)
	body, err := o.get(ctx, "/api/v5/market/ticker", q)
	if err != nil {
		return nil, o.checkPair(err, pair)
	}
	rr := restRespOKXTicker{}
	if err = codec.Unmarshal(body, &rr); err != nil {
		return nil, o.parseErr(err, "ticker")
	}
	if err = o.checkCode(rr.Code, rr.Msg, pair); err != nil {
		return nil, err
	}
	if len(rr.Data) == 0 {
		return nil, o.parseErr(errors.New("empty data"), "ticker")
	}

	d := rr.Data[0]
	ts, _ := strconv.ParseInt(d.Ts, 10, 64)
	bid, errBid := strconv.ParseFloat(d.BidPx, 64)
	ask, errAsk := strconv.ParseFloat(d.AskPx, 64)
	if errBid == nil && errAsk == nil && bid > 0 && ask > 0 {
		return series.NewTicker(bid, ask, ts), nil
	}
	last, err := strconv.ParseFloat(d.Last, 64)
	if err != nil {
		return nil, o.parseErr(err, "ticker last")
	}
	return series.NewApproxTicker(last, ts), nil
}

// checkCode maps a non zero okx code to an error.
func (o *okx) checkCode(code, msg, pair string) error {
	switch code {
	case "0":
		return nil
	case okxInstrumentNotFound:
		return o.unknownPair(0, pair, msg)
	}
	return o.fail(KindClient, 0, errors.Errorf("okx code %s: %s", code, msg))
}

// checkPair looks for the unknown instrument code in a client status error body.
func (o *okx) checkPair(err error, pair string) error {
	status, body, ok := statusBody(err)
	if ok && gjson.Get(body, "code").String() == okxInstrumentNotFound {
		return o.unknownPair(status, pair, gjson.Get(body, "msg").String())
	}
	return err
}
