package series

import (
	"time"

	"github.com/pkg/errors"
)

// Timeframe is a venue agnostic request horizon.
// Long horizons (30d, 6m, 1y, ytd) are daily bars over a lookback,
// short ones (1m .. 1d) are ShortBars bars of the named size.
type Timeframe struct {
	Name     string
	Bar      time.Duration
	Lookback time.Duration
	YTD      bool
}

// ShortBars is the number of bars requested for a short horizon timeframe.
const ShortBars = 300

const day = 24 * time.Hour

var timeframes = map[string]Timeframe{
	"30d": {Name: "30d", Bar: day, Lookback: 30 * day},
	"6m":  {Name: "6m", Bar: day, Lookback: 182 * day},
	"1y":  {Name: "1y", Bar: day, Lookback: 365 * day},
	"ytd": {Name: "ytd", Bar: day, YTD: true},
	"1m":  {Name: "1m", Bar: time.Minute, Lookback: ShortBars * time.Minute},
	"5m":  {Name: "5m", Bar: 5 * time.Minute, Lookback: ShortBars * 5 * time.Minute},
	"15m": {Name: "15m", Bar: 15 * time.Minute, Lookback: ShortBars * 15 * time.Minute},
	"1h":  {Name: "1h", Bar: time.Hour, Lookback: ShortBars * time.Hour},
	"4h":  {Name: "4h", Bar: 4 * time.Hour, Lookback: ShortBars * 4 * time.Hour},
	"1d":  {Name: "1d", Bar: day, Lookback: ShortBars * day},
}

// ErrUnknownTimeframe is returned by ParseTimeframe for names outside the enumeration.
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// ParseTimeframe looks up a timeframe by name.
func ParseTimeframe(name string) (Timeframe, error) {
	tf, ok := timeframes[name]
	if !ok {
		return Timeframe{}, errors.Wrap(ErrUnknownTimeframe, name)
	}
	return tf, nil
}

// BarKey is the key of the bar size in the venue interval tables.
func (tf Timeframe) BarKey() string {
	switch tf.Bar {
	case time.Minute:
		return "1m"
	case 5 * time.Minute:
		return "5m"
	case 15 * time.Minute:
		return "15m"
	case time.Hour:
		return "1h"
	case 4 * time.Hour:
		return "4h"
	}
	return "1d"
}

// Window is the half open [Start, End) range of bar open times, in epoch milliseconds.
// End is the open time of the bar in progress, which is never complete.
type Window struct {
	Start int64
	End   int64
}

// Window computes the bar window of the timeframe ending at now.
// On 1 January no daily bar of the year has closed yet, so ytd covers the previous year.
func (tf Timeframe) Window(now time.Time) Window {
	now = now.UTC()
	end := now.Truncate(tf.Bar)
	var start time.Time
	if tf.YTD {
		start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		if !start.Before(end) {
			start = start.AddDate(-1, 0, 0)
		}
	} else {
		start = end.Add(-tf.Lookback)
	}
	return Window{Start: start.UnixMilli(), End: end.UnixMilli()}
}

// Limit is the number of bars the window holds plus the one in progress.
func (tf Timeframe) Limit(now time.Time) int {
	w := tf.Window(now)
	return int((w.End-w.Start)/tf.Bar.Milliseconds()) + 1
}
