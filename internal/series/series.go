package series

// Bar is one normalized OHLCV bar.
// A nil value means the upstream value was missing or not numeric.
type Bar struct {
	TimestampMs int64    `json:"timestampMs"`
	Open        *float64 `json:"open"`
	High        *float64 `json:"high"`
	Low         *float64 `json:"low"`
	Close       *float64 `json:"close"`
	Volume      *float64 `json:"volume"`
}

// Ticker is the top of book of a venue.
// Approximate is set when bid and ask were synthesized from a last trade price.
type Ticker struct {
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	Mid         float64 `json:"mid"`
	Ts          int64   `json:"ts"`
	Approximate bool    `json:"approximate,omitempty"`
}

// NewTicker builds a ticker from an explicit bid and ask.
func NewTicker(bid, ask float64, ts int64) *Ticker {
	return &Ticker{Bid: bid, Ask: ask, Mid: (bid + ask) / 2, Ts: ts}
}

// NewApproxTicker builds a ticker from a last trade price only.
func NewApproxTicker(last float64, ts int64) *Ticker {
	return &Ticker{Bid: last, Ask: last, Mid: last, Ts: ts, Approximate: true}
}

// Warming tells the consumer the primary backend is cold starting.
type Warming struct {
	RetryAfterSec int `json:"retryAfterSec"`
}

// Overview sources.
const (
	SourcePrimary = "primary"
	SourceDirect  = "direct"
	SourceCache   = "cache"
)

// Overview is the normalized bundle of ticker and OHLCV data of one venue.
// It is built once per request and never mutated afterwards.
type Overview struct {
	Venue    string   `json:"venue"`
	Symbol   string   `json:"symbol"`
	AsOf     int64    `json:"asOf"`
	Source   string   `json:"source,omitempty"`
	Ticker   *Ticker  `json:"ticker"`
	OHLCV    []Bar    `json:"ohlcv"`
	Error    string   `json:"error,omitempty"`
	Warming  *Warming `json:"warming,omitempty"`
	CachedAt int64    `json:"cachedAt,omitempty"`
}

// Failed builds the error flagged overview returned when every path failed.
func Failed(venue, symbol string, asOf int64, warming *Warming) *Overview {
	return &Overview{
		Venue:   venue,
		Symbol:  symbol,
		AsOf:    asOf,
		Ticker:  &Ticker{},
		OHLCV:   []Bar{},
		Error:   venue + "_unavailable",
		Warming: warming,
	}
}

// Closes returns the close prices of bars keyed by timestamp, skipping null closes.
func Closes(bars []Bar) map[int64]float64 {
	out := make(map[int64]float64, len(bars))
	for _, b := range bars {
		if b.Close != nil {
			out[b.TimestampMs] = *b.Close
		}
	}
	return out
}
