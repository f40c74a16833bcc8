package config

import "strings"

// PairCandidates is the venue syntax of a canonical symbol.
// Fallback is tried once when the venue rejects Primary as an unknown pair.
type PairCandidates struct {
	Primary  string
	Fallback string
}

// Pairs maps a canonical symbol to its venue specific pair names.
// Symbols missing here are derived by DerivePair.
var Pairs = map[string]map[string]PairCandidates{
	"BTCUSDT": {
		"binance":  {Primary: "BTCUSDT"},
		"coinbase": {Primary: "BTC-USD", Fallback: "BTC-USDT"},
		"kraken":   {Primary: "XBTUSDT", Fallback: "XBTUSD"},
		"okx":      {Primary: "BTC-USDT"},
		"bybit":    {Primary: "BTCUSDT"},
	},
	"ETHUSDT": {
		"binance":  {Primary: "ETHUSDT"},
		"coinbase": {Primary: "ETH-USD", Fallback: "ETH-USDT"},
		"kraken":   {Primary: "ETHUSDT", Fallback: "ETHUSD"},
		"okx":      {Primary: "ETH-USDT"},
		"bybit":    {Primary: "ETHUSDT"},
	},
	"SOLUSDT": {
		"binance":  {Primary: "SOLUSDT"},
		"coinbase": {Primary: "SOL-USD", Fallback: "SOL-USDT"},
		"kraken":   {Primary: "SOLUSDT", Fallback: "SOLUSD"},
		"okx":      {Primary: "SOL-USDT"},
		"bybit":    {Primary: "SOLUSDT"},
	},
	"XRPUSDT": {
		"binance":  {Primary: "XRPUSDT"},
		"coinbase": {Primary: "XRP-USD", Fallback: "XRP-USDT"},
		"kraken":   {Primary: "XRPUSDT", Fallback: "XRPUSD"},
		"okx":      {Primary: "XRP-USDT"},
		"bybit":    {Primary: "XRPUSDT"},
	},
	"DOGEUSDT": {
		"binance":  {Primary: "DOGEUSDT"},
		"coinbase": {Primary: "DOGE-USD", Fallback: "DOGE-USDT"},
		"kraken":   {Primary: "XDGUSDT", Fallback: "XDGUSD"},
		"okx":      {Primary: "DOGE-USDT"},
		"bybit":    {Primary: "DOGEUSDT"},
	},
}

// quotes are the canonical quote assets recognised by DerivePair, longest first.
var quotes = []string{"USDT", "USDC", "USD", "EUR", "BTC"}

// LookupPair returns the venue pair names for a canonical symbol.
func LookupPair(symbol string, venue string) PairCandidates {
	symbol = strings.ToUpper(symbol)
	if byVenue, ok := Pairs[symbol]; ok {
		if pc, ok := byVenue[venue]; ok {
			return pc
		}
	}
	return DerivePair(symbol, venue)
}

// DerivePair builds venue pair names for a symbol which is not in the static table.
func DerivePair(symbol string, venue string) PairCandidates {
	base, quote := splitSymbol(symbol)
	if quote == "" {
		return PairCandidates{Primary: symbol}
	}
	switch venue {
	case "coinbase":
		pc := PairCandidates{Primary: base + "-" + quote}
		if quote == "USDT" {
			pc = PairCandidates{Primary: base + "-USD", Fallback: base + "-USDT"}
		}
		return pc
	case "okx":
		return PairCandidates{Primary: base + "-" + quote}
	case "kraken":
		if base == "BTC" {
			base = "XBT"
		}
		pc := PairCandidates{Primary: base + quote}
		if quote == "USDT" {
			pc.Fallback = base + "USD"
		}
		return pc
	}
	return PairCandidates{Primary: symbol}
}

func splitSymbol(symbol string) (string, string) {
	for _, q := range quotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}

// Intervals maps a venue agnostic bar key to the native candle interval of each venue.
// A missing entry means the venue has no such bar size.
var Intervals = map[string]map[string]string{
	"binance": {
		"1m": "1m", "5m": "5m", "15m": "15m", "1h": "1h", "4h": "4h", "1d": "1d",
	},
	// Coinbase granularity is in seconds and has no 4 hour bar.
	"coinbase": {
		"1m": "60", "5m": "300", "15m": "900", "1h": "3600", "1d": "86400",
	},
	// Kraken interval is in minutes.
	"kraken": {
		"1m": "1", "5m": "5", "15m": "15", "1h": "60", "4h": "240", "1d": "1440",
	},
	"okx": {
		"1m": "1m", "5m": "5m", "15m": "15m", "1h": "1H", "4h": "4H", "1d": "1Dutc",
	},
	"bybit": {
		"1m": "1", "5m": "5", "15m": "15", "1h": "60", "4h": "240", "1d": "D",
	},
}

// MaxBars is the largest candle page each venue returns in one call.
var MaxBars = map[string]int{
	"binance":  1000,
	"coinbase": 300,
	"kraken":   720,
	"okx":      300,
	"bybit":    1000,
}
