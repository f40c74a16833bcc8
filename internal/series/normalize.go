package series

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RawRow is one candle as handed over by a venue adapter, already in OHLCV column order
// but with the venue's own value encodings.
type RawRow struct {
	Time   interface{}
	Open   interface{}
	High   interface{}
	Low    interface{}
	Close  interface{}
	Volume interface{}
}

// secondsCutoff separates epoch seconds from epoch milliseconds.
const secondsCutoff = 1e12

// Normalize converts raw rows into an ordered, de-duplicated series of closed bars.
// Rows without a usable timestamp are skipped. Among rows sharing a timestamp the
// last one wins. Bars opening at or after w.End are dropped as in progress, and bars
// before w.Start are dropped when w.Start is set.
// Normalize does no I/O and never reads the clock.
func Normalize(rows []RawRow, w Window) []Bar {
	bars := make([]Bar, 0, len(rows))
	for _, row := range rows {
		ts, ok := toMillis(row.Time)
		if !ok {
			continue
		}
		bars = append(bars, Bar{
			TimestampMs: ts,
			Open:        toFloat(row.Open),
			High:        toFloat(row.High),
			Low:         toFloat(row.Low),
			Close:       toFloat(row.Close),
			Volume:      toFloat(row.Volume),
		})
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].TimestampMs < bars[j].TimestampMs
	})

	out := make([]Bar, 0, len(bars))
	for i, b := range bars {
		if i+1 < len(bars) && bars[i+1].TimestampMs == b.TimestampMs {
			continue
		}
		if w.End != 0 && b.TimestampMs >= w.End {
			continue
		}
		if w.Start != 0 && b.TimestampMs < w.Start {
			continue
		}
		out = append(out, b)
	}
	return out
}

// numberLike covers json.Number and jsoniter.Number.
type numberLike interface {
	Float64() (float64, error)
}

func toMillis(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	case *time.Time:
		if t == nil || t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	case string:
		s := strings.TrimSpace(t)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochMillis(f)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if pt, err := time.Parse(layout, s); err == nil {
				return pt.UnixMilli(), true
			}
		}
		return 0, false
	}
	f := toFloat(v)
	if f == nil {
		return 0, false
	}
	return epochMillis(*f)
}

func epochMillis(f float64) (int64, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f < secondsCutoff {
		f *= 1000
	}
	return int64(math.Round(f)), true
}

// toFloat coerces a numeric looking value, returning nil for anything else.
func toFloat(v interface{}) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case *float64:
		if t == nil {
			return nil
		}
		f = *t
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = p
	case json.Number:
		p, err := t.Float64()
		if err != nil {
			return nil
		}
		f = p
	case numberLike:
		p, err := t.Float64()
		if err != nil {
			return nil
		}
		f = p
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
