package leadership

import (
	"testing"

	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flat returns n hourly bars closing at price.
func flat(n int, price float64) []series.Bar {
	bars := make([]series.Bar, n)
	for i := range bars {
		c := price
		bars[i] = series.Bar{TimestampMs: int64(i) * 3600000, Close: &c}
	}
	return bars
}

func setClose(bars []series.Bar, from int, price float64) {
	for i := from; i < len(bars); i++ {
		c := price
		bars[i].Close = &c
	}
}

// twoVenues builds 20 aligned bars where binance jumps +5 at t=10 and both venues
// rise by 1 at t=11.
func twoVenues() map[string][]series.Bar {
	a := flat(20, 100)
	b := flat(20, 100)
	setClose(a, 10, 105)
	setClose(a, 11, 106)
	setClose(b, 11, 101)
	return map[string][]series.Bar{"binance": a, "kraken": b}
}

func TestComputeCreditsConfirmedLead(t *testing.T) {
	res := Compute(twoVenues())
	require.NotNil(t, res.Leader)
	require.NotNil(t, res.Pct)
	assert.Equal(t, "binance", *res.Leader)
	assert.Equal(t, 100.0, *res.Pct)
	assert.Equal(t, 1, res.TotalEvents)
}

func TestComputeIsDeterministic(t *testing.T) {
	first := Compute(twoVenues())
	for i := 0; i < 20; i++ {
		again := Compute(twoVenues())
		assert.Equal(t, first, again)
	}
}

func TestComputeNeedsEnoughData(t *testing.T) {
	res := Compute(map[string][]series.Bar{"binance": flat(50, 1)})
	assert.Nil(t, res.Leader, "a single venue has nobody to lead")

	res = Compute(map[string][]series.Bar{"binance": flat(9, 1), "okx": flat(9, 1)})
	assert.Nil(t, res.Leader)
	assert.Nil(t, res.Pct)

	// enough bars each, but too few in common
	a := flat(12, 1)
	b := flat(12, 1)
	for i := range b {
		b[i].TimestampMs += 6 * 3600000
	}
	res = Compute(map[string][]series.Bar{"binance": a, "okx": b})
	assert.Nil(t, res.Leader)
}

func TestComputeQuietMarketHasNoLeader(t *testing.T) {
	res := Compute(map[string][]series.Bar{"binance": flat(30, 100), "coinbase": flat(30, 100)})
	assert.Nil(t, res.Leader)
	assert.Equal(t, 0, res.TotalEvents)
}

func TestComputeTieGoesToCanonicalOrder(t *testing.T) {
	a := flat(30, 100)
	b := flat(30, 100)
	c := flat(30, 100)
	// okx leads at t=5, confirmed at t=6
	setClose(c, 5, 105)
	setClose(c, 6, 106)
	setClose(a, 6, 101)
	setClose(b, 6, 101)
	// binance leads at t=20, confirmed at t=21
	setClose(a, 20, 107)
	setClose(a, 21, 108)
	setClose(b, 21, 102)
	setClose(c, 21, 107)

	res := Compute(map[string][]series.Bar{"okx": c, "coinbase": b, "binance": a})
	require.NotNil(t, res.Leader)
	assert.Equal(t, "binance", *res.Leader, "equal wins resolve to the earlier venue in canonical order")
	assert.Equal(t, 2, res.TotalEvents)
	assert.Equal(t, 50.0, *res.Pct)
}

func TestComputeUnconfirmedMoveIsNotAnEvent(t *testing.T) {
	a := flat(20, 100)
	b := flat(20, 100)
	// binance jumps at t=10 but both venues fall at t=11
	setClose(a, 10, 105)
	setClose(a, 11, 104)
	setClose(b, 11, 99)
	// kraken drops at t=15 and both venues fall at t=16
	setClose(b, 15, 94)
	setClose(a, 16, 103)
	setClose(b, 16, 93)

	res := Compute(map[string][]series.Bar{"binance": a, "kraken": b})
	require.NotNil(t, res.Leader)
	require.NotNil(t, res.Pct)
	assert.Equal(t, "kraken", *res.Leader)
	assert.Equal(t, 1, res.TotalEvents)
	assert.Equal(t, 100.0, *res.Pct)
}

func TestComputeSkipsNullCloses(t *testing.T) {
	data := twoVenues()
	data["kraken"][3].Close = nil
	res := Compute(data)
	require.NotNil(t, res.Leader)
	assert.Equal(t, "binance", *res.Leader)
}

func TestMedian(t *testing.T) {
	xs := []float64{3, 1, 2}
	assert.Equal(t, 2.0, median(xs))
	assert.Equal(t, []float64{3, 1, 2}, xs, "input is left untouched")
	assert.Equal(t, 2.5, median([]float64{4, 1, 2, 3}))
	assert.Equal(t, 0.0, median(nil))
}
