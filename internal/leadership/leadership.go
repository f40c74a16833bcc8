// Package leadership derives a best effort cross venue price leadership statistic.
//
// At every aligned bar the venue with the largest absolute close move is the candidate
// leader; it earns a lead event when the cross venue median move of the following bar
// has the same sign. This is a lagged confirmation heuristic. It says nothing about causality.
package leadership

import (
	"math"
	"sort"

	"github.com/milkywaybrain/venuegate/internal/series"
)

// Thresholds of the computation.
const (
	// MinVenues is the number of venues needed for a signal.
	MinVenues = 2
	// MinBars is the number of aligned bars needed for a signal.
	MinBars = 10
	// EpsilonFraction of the median close is the smallest move counted as a lead.
	EpsilonFraction = 0.0005
	// EpsilonFloor bounds epsilon from below for near zero prices.
	EpsilonFloor = 1e-9
)

// CanonicalOrder breaks ties between venues.
var CanonicalOrder = []string{"aggregator", "binance", "coinbase", "kraken", "okx", "bybit"}

// Result is the leadership statistic. Leader and Pct are nil when there was not enough
// aligned data or no qualifying event.
type Result struct {
	Leader *string  `json:"leader"`
	Pct    *float64 `json:"pct"`
	// TotalEvents counts the lead events credited to any venue. A candidate move the next
	// bar did not confirm is not an event. Pct is the leader's share of TotalEvents.
	TotalEvents int `json:"totalEvents"`
}

// Compute derives the leadership statistic from normalized per venue series.
// It is pure: the same input always yields the same Result.
func Compute(bars map[string][]series.Bar) Result {
	venues := order(bars)

	closes := make(map[string]map[int64]float64, len(venues))
	eligible := make([]string, 0, len(venues))
	for _, v := range venues {
		c := series.Closes(bars[v])
		if len(c) < MinBars {
			continue
		}
		closes[v] = c
		eligible = append(eligible, v)
	}
	if len(eligible) < MinVenues {
		return Result{}
	}

	aligned := align(eligible, closes)
	if len(aligned) < MinBars {
		return Result{}
	}

	eps := epsilon(eligible, closes, aligned)

	// returns[i][t] is the close move of eligible[i] from aligned[t-1] to aligned[t].
	returns := make([][]float64, len(eligible))
	for i, v := range eligible {
		r := make([]float64, len(aligned))
		for t := 1; t < len(aligned); t++ {
			r[t] = closes[v][aligned[t]] - closes[v][aligned[t-1]]
		}
		returns[i] = r
	}

	won := make([]int, len(eligible))
	total := 0
	for t := 1; t < len(aligned)-1; t++ {
		cand, best := -1, eps
		for i := range eligible {
			if m := math.Abs(returns[i][t]); m > best {
				cand, best = i, m
			}
		}
		if cand < 0 {
			continue
		}
		next := make([]float64, len(eligible))
		for i := range eligible {
			next[i] = returns[i][t+1]
		}
		if confirm := sign(median(next)); confirm != 0 && sign(returns[cand][t]) == confirm {
			won[cand]++
			total++
		}
	}
	if total == 0 {
		return Result{}
	}

	lead := 0
	for i := 1; i < len(eligible); i++ {
		if won[i] > won[lead] {
			lead = i
		}
	}
	leader := eligible[lead]
	pct := 100 * float64(won[lead]) / float64(total)
	return Result{Leader: &leader, Pct: &pct, TotalEvents: total}
}

// order lists the venues of bars in canonical order, unknown names last and sorted.
func order(bars map[string][]series.Bar) []string {
	out := make([]string, 0, len(bars))
	seen := make(map[string]bool, len(bars))
	for _, v := range CanonicalOrder {
		if _, ok := bars[v]; ok {
			out = append(out, v)
			seen[v] = true
		}
	}
	var rest []string
	for v := range bars {
		if !seen[v] {
			rest = append(rest, v)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// align returns the ascending timestamps present in every venue.
func align(venues []string, closes map[string]map[int64]float64) []int64 {
	var ts []int64
	for t := range closes[venues[0]] {
		all := true
		for _, v := range venues[1:] {
			if _, ok := closes[v][t]; !ok {
				all = false
				break
			}
		}
		if all {
			ts = append(ts, t)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

func epsilon(venues []string, closes map[string]map[int64]float64, aligned []int64) float64 {
	all := make([]float64, 0, len(venues)*len(aligned))
	for _, v := range venues {
		for _, t := range aligned {
			all = append(all, closes[v][t])
		}
	}
	return math.Max(EpsilonFraction*math.Abs(median(all)), EpsilonFloor)
}

// median returns the median of xs without modifying it.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
