package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// krakenRows renders kraken OHLC rows for the given open times. Vwap is set far from
// the close so that a column mix up shows.
func krakenRows(opens []int64) string {
	rows := make([]string, 0, len(opens))
	for i, ts := range opens {
		c := 100 + float64(i)
		rows = append(rows, fmt.Sprintf(`[%d,"%.1f","%.1f","%.1f","%.1f","999.0","%d.5",12]`, ts, c-1, c+1, c-2, c, i))
	}
	return "[" + strings.Join(rows, ",") + "]"
}

func TestKrakenUnknownPairFallsBackToSecondary(t *testing.T) {
	opens := append(closedHours(300), testNow.Truncate(time.Hour).Unix())
	var primaryCalls, fallbackCalls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pair := r.URL.Query().Get("pair")
		if pair == "XBTUSDT" {
			if r.URL.Path == "/0/public/OHLC" {
				atomic.AddInt32(&primaryCalls, 1)
			}
			w.Write([]byte(`{"error":["EQuery:Unknown asset pair"]}`))
			return
		}
		assert.Equal(t, "XBTUSD", pair)
		switch r.URL.Path {
		case "/0/public/OHLC":
			atomic.AddInt32(&fallbackCalls, 1)
			assert.Equal(t, "60", r.URL.Query().Get("interval"))
			w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":` + krakenRows(opens) + `,"last":1710079200}}`))
		case "/0/public/Ticker":
			w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"a":["101.0","1","1.000"],"b":["100.0","2","2.000"],"c":["100.5","0.1"]}}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := NewKraken(testConfig(Kraken, srv.URL), testREST())
	a.(*kraken).now = func() time.Time { return testNow }
	req := testRequest(t, Kraken, "BTCUSDT", "1h")

	ro, err := a.FetchOverview(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "XBTUSD", ro.Pair)
	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fallbackCalls))

	require.NotNil(t, ro.Ticker)
	assert.Equal(t, 100.5, ro.Ticker.Mid)
	assert.Equal(t, testNow.UnixMilli(), ro.Ticker.Ts)

	bars := series.Normalize(ro.Rows, req.Timeframe.Window(req.Now))
	require.Len(t, bars, 300, "the in progress bar is dropped")
	for i := 1; i < len(bars); i++ {
		assert.Less(t, bars[i-1].TimestampMs, bars[i].TimestampMs)
	}
	assert.Equal(t, 100.0, *bars[0].Close)
	assert.Equal(t, 0.5, *bars[0].Volume, "volume comes from index 6, never the vwap")
}

func TestKrakenServiceErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EService:Unavailable"]}`))
	}))
	defer srv.Close()

	a := NewKraken(testConfig(Kraken, srv.URL), testREST())
	_, err := a.FetchOverview(context.Background(), testRequest(t, Kraken, "BTCUSDT", "1d"))
	assert.Equal(t, KindTransient, KindOf(err))
	assert.NotErrorIs(t, err, ErrUnknownPair)
}

func TestBinanceOverview(t *testing.T) {
	opens := closedHours(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		switch r.URL.Path {
		case "/api/v3/klines":
			assert.Equal(t, "1h", r.URL.Query().Get("interval"))
			assert.Equal(t, "301", r.URL.Query().Get("limit"))
			fmt.Fprintf(w, `[[%d,"1.0","2.0","0.5","1.5","10.0",0,"0",1,"0","0","0"],[%d,"1.5","2.5","1.0","2.0","11.0",0,"0",1,"0","0","0"]]`,
				opens[0]*1000, opens[1]*1000)
		case "/api/v3/ticker/24hr":
			w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"1.9","askPrice":"2.1","lastPrice":"2.0","closeTime":1710080000000}`))
		}
	}))
	defer srv.Close()

	a := NewBinance(testConfig(Binance, srv.URL), testREST())
	req := testRequest(t, Binance, "BTCUSDT", "1h")
	ro, err := a.FetchOverview(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, ro.Ticker)
	assert.InDelta(t, 2.0, ro.Ticker.Mid, 1e-9)
	assert.Equal(t, int64(1710080000000), ro.Ticker.Ts)
	assert.False(t, ro.Ticker.Approximate)

	bars := series.Normalize(ro.Rows, req.Timeframe.Window(req.Now))
	require.Len(t, bars, 2)
	assert.Equal(t, 11.0, *bars[1].Volume)
}

func TestBinanceInvalidSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	a := NewBinance(testConfig(Binance, srv.URL), testREST())
	_, err := a.FetchOverview(context.Background(), testRequest(t, Binance, "FOOUSDT", "1h"))
	assert.ErrorIs(t, err, ErrUnknownPair)
	assert.Equal(t, KindClient, KindOf(err))
}

func TestBinanceMalformedRowsAreParseErrors(t *testing.T) {
	for name, body := range map[string]string{
		"shape":  `{"rows":1}`,
		"length": `[[1710000000000,"1","2"]]`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/v3/klines" {
					w.Write([]byte(body))
					return
				}
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer srv.Close()

			a := NewBinance(testConfig(Binance, srv.URL), testREST())
			_, err := a.FetchOverview(context.Background(), testRequest(t, Binance, "BTCUSDT", "1h"))
			assert.Equal(t, KindParse, KindOf(err))
		})
	}
}

func TestBinanceEmptyKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/klines" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"1","askPrice":"1"}`))
	}))
	defer srv.Close()

	a := NewBinance(testConfig(Binance, srv.URL), testREST())
	_, err := a.FetchOverview(context.Background(), testRequest(t, Binance, "BTCUSDT", "1h"))
	assert.ErrorIs(t, err, ErrNoBars)
}

func TestCoinbaseFallbackPairAndColumnOrder(t *testing.T) {
	opens := closedHours(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products/BTC-USD/candles", "/products/BTC-USD/ticker":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"NotFound"}`))
		case "/products/BTC-USDT/candles":
			assert.Equal(t, "3600", r.URL.Query().Get("granularity"))
			// newest first: [time, low, high, open, close, volume]
			fmt.Fprintf(w, `[[%d,1.0,3.0,2.0,2.5,7],[%d,0.5,2.5,1.0,2.0,6]]`, opens[1], opens[0])
		case "/products/BTC-USDT/ticker":
			w.Write([]byte(`{"bid":"","ask":"","price":"2.4","time":"2024-03-10T14:29:59.5Z"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := NewCoinbase(testConfig(Coinbase, srv.URL), testREST())
	req := testRequest(t, Coinbase, "BTCUSDT", "1h")
	ro, err := a.FetchOverview(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", ro.Pair)

	require.NotNil(t, ro.Ticker)
	assert.True(t, ro.Ticker.Approximate, "bid and ask synthesized from the last price")
	assert.Equal(t, 2.4, ro.Ticker.Bid)

	bars := series.Normalize(ro.Rows, req.Timeframe.Window(req.Now))
	require.Len(t, bars, 2)
	assert.Equal(t, opens[0]*1000, bars[0].TimestampMs)
	assert.Equal(t, 1.0, *bars[0].Open)
	assert.Equal(t, 2.5, *bars[0].High)
	assert.Equal(t, 0.5, *bars[0].Low)
	assert.Equal(t, 2.0, *bars[0].Close)
}

func TestCoinbaseYearIsPaged(t *testing.T) {
	var pages int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/products/BTC-USD/ticker" {
			w.Write([]byte(`{"bid":"1","ask":"2","price":"1.5","time":"2024-03-10T14:29:59Z"}`))
			return
		}
		atomic.AddInt32(&pages, 1)
		q := r.URL.Query()
		assert.Equal(t, "86400", q.Get("granularity"))
		start, errStart := time.Parse(time.RFC3339, q.Get("start"))
		end, errEnd := time.Parse(time.RFC3339, q.Get("end"))
		if !assert.NoError(t, errStart) || !assert.NoError(t, errEnd) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// newest first, at most 300 candles a page
		rows := make([]string, 0, 300)
		for ts := end; !ts.Before(start) && len(rows) < 300; ts = ts.Add(-24 * time.Hour) {
			rows = append(rows, fmt.Sprintf(`[%d,1,3,2,2.5,7]`, ts.Unix()))
		}
		w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
	}))
	defer srv.Close()

	a := NewCoinbase(testConfig(Coinbase, srv.URL), testREST())
	req := testRequest(t, Coinbase, "BTCUSDT", "1y")
	ro, err := a.FetchOverview(context.Background(), req)
	require.NoError(t, err)

	win := req.Timeframe.Window(req.Now)
	bars := series.Normalize(ro.Rows, win)
	require.Len(t, bars, 365)
	assert.Equal(t, win.Start, bars[0].TimestampMs, "the window start is covered")
	assert.Equal(t, win.End-(24*time.Hour).Milliseconds(), bars[364].TimestampMs)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pages))
}

func TestCoinbaseEmptyPageStopsPaging(t *testing.T) {
	var pages int32
	opens := closedHours(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/products/BTC-USD/ticker" {
			w.Write([]byte(`{"bid":"1","ask":"2","price":"1.5","time":"2024-03-10T14:29:59Z"}`))
			return
		}
		if atomic.AddInt32(&pages, 1) > 1 {
			w.Write([]byte(`[]`))
			return
		}
		fmt.Fprintf(w, `[[%d,1,3,2,2.5,7],[%d,1,3,2,2.5,7]]`, opens[1], opens[0])
	}))
	defer srv.Close()

	a := NewCoinbase(testConfig(Coinbase, srv.URL), testREST())
	req := testRequest(t, Coinbase, "BTCUSDT", "1y")
	ro, err := a.FetchOverview(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, ro.Rows, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pages))
}

func TestCoinbaseUnsupportedInterval(t *testing.T) {
	a := NewCoinbase(testConfig(Coinbase, "http://127.0.0.1:1"), testREST())
	_, err := a.FetchOverview(context.Background(), testRequest(t, Coinbase, "BTCUSDT", "4h"))
	assert.ErrorIs(t, err, ErrUnsupportedInterval)
	assert.Equal(t, KindClient, KindOf(err))
}

func TestOKXOverview(t *testing.T) {
	opens := closedHours(2)
	inProgress := testNow.Truncate(time.Hour).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("instId"))
		switch r.URL.Path {
		case "/api/v5/market/candles":
			assert.Equal(t, "1H", r.URL.Query().Get("bar"))
			assert.Equal(t, "300", r.URL.Query().Get("limit"))
			fmt.Fprintf(w, `{"code":"0","msg":"","data":[
				["%d","3","3","3","3","1","1","1","0"],
				["%d","2","2","2","2","1","1","1","1"],
				["%d","1","1","1","1","1","1","1","1"]]}`, inProgress, opens[1]*1000, opens[0]*1000)
		case "/api/v5/market/ticker":
			w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","last":"2","askPx":"2.2","bidPx":"1.8","ts":"1710080000000"}]}`))
		}
	}))
	defer srv.Close()

	a := NewOKX(testConfig(OKX, srv.URL), testREST())
	req := testRequest(t, OKX, "BTCUSDT", "1h")
	ro, err := a.FetchOverview(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, ro.Ticker)
	assert.Equal(t, int64(1710080000000), ro.Ticker.Ts)

	bars := series.Normalize(ro.Rows, req.Timeframe.Window(req.Now))
	require.Len(t, bars, 2)
	assert.Equal(t, 1.0, *bars[0].Close)
	assert.Equal(t, 2.0, *bars[1].Close)
}

func TestOKXYearReadsHistory(t *testing.T) {
	var latest, history int32
	dayMs := (24 * time.Hour).Milliseconds()
	inProgress := testNow.Truncate(24 * time.Hour).UnixMilli()
	rows := func(newest int64, n int) string {
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, fmt.Sprintf(`["%d","2","3","1","2.5","1","1","1","1"]`, newest-int64(i)*dayMs))
		}
		return `{"code":"0","msg":"","data":[` + strings.Join(out, ",") + `]}`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/api/v5/market/candles":
			atomic.AddInt32(&latest, 1)
			assert.Equal(t, "1Dutc", q.Get("bar"))
			assert.Equal(t, "300", q.Get("limit"))
			w.Write([]byte(rows(inProgress, 300)))
		case "/api/v5/market/history-candles":
			atomic.AddInt32(&history, 1)
			assert.Equal(t, "100", q.Get("limit"))
			after, err := strconv.ParseInt(q.Get("after"), 10, 64)
			assert.NoError(t, err)
			w.Write([]byte(rows(after-dayMs, 100)))
		case "/api/v5/market/ticker":
			w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","last":"2","askPx":"2.2","bidPx":"1.8","ts":"1710080000000"}]}`))
		}
	}))
	defer srv.Close()

	a := NewOKX(testConfig(OKX, srv.URL), testREST())
	req := testRequest(t, OKX, "BTCUSDT", "1y")
	ro, err := a.FetchOverview(context.Background(), req)
	require.NoError(t, err)

	win := req.Timeframe.Window(req.Now)
	bars := series.Normalize(ro.Rows, win)
	require.Len(t, bars, 365)
	assert.Equal(t, win.Start, bars[0].TimestampMs, "the window start is covered")
	assert.Equal(t, int32(1), atomic.LoadInt32(&latest))
	assert.Equal(t, int32(1), atomic.LoadInt32(&history))
}

func TestOKXUnknownInstrument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`))
	}))
	defer srv.Close()

	a := NewOKX(testConfig(OKX, srv.URL), testREST())
	_, err := a.FetchOverview(context.Background(), testRequest(t, OKX, "FOOUSDT", "1h"))
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func TestBybitOverview(t *testing.T) {
	opens := closedHours(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		switch r.URL.Path {
		case "/v5/market/kline":
			assert.Equal(t, "60", r.URL.Query().Get("interval"))
			fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"symbol":"BTCUSDT","list":[
				["%d","2","2","2","2","5","10"],
				["%d","1","1","1","1","4","4"]]}}`, opens[1]*1000, opens[0]*1000)
		case "/v5/market/tickers":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","time":1710080000123,"result":{"list":[{"symbol":"BTCUSDT","bid1Price":"1.9","ask1Price":"2.1","lastPrice":"2"}]}}`))
		}
	}))
	defer srv.Close()

	a := NewBybit(testConfig(Bybit, srv.URL), testREST())
	req := testRequest(t, Bybit, "BTCUSDT", "1h")
	ro, err := a.FetchOverview(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, ro.Ticker)
	assert.Equal(t, int64(1710080000123), ro.Ticker.Ts)

	bars := series.Normalize(ro.Rows, req.Timeframe.Window(req.Now))
	require.Len(t, bars, 2)
	assert.Equal(t, 4.0, *bars[0].Volume)
}

func TestBybitInvalidSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10001,"retMsg":"Not supported symbols","result":{}}`))
	}))
	defer srv.Close()

	a := NewBybit(testConfig(Bybit, srv.URL), testREST())
	_, err := a.FetchOverview(context.Background(), testRequest(t, Bybit, "FOOUSDT", "1h"))
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func TestTickerFailureIsNotFatal(t *testing.T) {
	opens := closedHours(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/klines" {
			fmt.Fprintf(w, `[[%d,"1","1","1","1","1"]]`, opens[0]*1000)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewBinance(testConfig(Binance, srv.URL), testREST())
	ro, err := a.FetchOverview(context.Background(), testRequest(t, Binance, "BTCUSDT", "1h"))
	require.NoError(t, err)
	assert.Nil(t, ro.Ticker)
	assert.Len(t, ro.Rows, 1)
}
