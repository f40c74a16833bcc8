package main

import (
	"encoding/csv"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// listing is where a venue publishes its spot pairs and how to read them.
type listing struct {
	venue string
	url   string
	pairs func(body gjson.Result) []string
}

var listings = []listing{
	{
		venue: "binance",
		url:   config.BinanceRESTBaseURL + "/api/v3/exchangeInfo",
		pairs: func(body gjson.Result) []string {
			var out []string
			body.Get("symbols").ForEach(func(_, s gjson.Result) bool {
				if s.Get("status").String() == "TRADING" {
					out = append(out, s.Get("symbol").String())
				}
				return true
			})
			return out
		},
	},
	{
		venue: "coinbase",
		url:   config.CoinbaseRESTBaseURL + "/products",
		pairs: func(body gjson.Result) []string {
			return stringsOf(body.Get("#.id"))
		},
	},
	{
		venue: "kraken",
		url:   config.KrakenRESTBaseURL + "/0/public/AssetPairs",
		pairs: func(body gjson.Result) []string {
			var out []string
			body.Get("result").ForEach(func(_, p gjson.Result) bool {
				out = append(out, p.Get("altname").String())
				return true
			})
			return out
		},
	},
	{
		venue: "okx",
		url:   config.OKXRESTBaseURL + "/api/v5/public/instruments?instType=SPOT",
		pairs: func(body gjson.Result) []string {
			return stringsOf(body.Get("data.#.instId"))
		},
	},
	{
		venue: "bybit",
		url:   config.BybitRESTBaseURL + "/v5/market/instruments-info?category=spot",
		pairs: func(body gjson.Result) []string {
			return stringsOf(body.Get("result.list.#.symbol"))
		},
	},
}

// This function will query all the venues for their spot pairs and store them in a csv file.
// Operators can look up this csv file to maintain the pair mapping table.
// CSV file created at ./markets.csv.
func main() {
	f, err := os.Create("./markets.csv")
	if err != nil {
		log.Error().Err(err).Msg("csv file create")
		return
	}
	w := csv.NewWriter(f)
	defer f.Close()
	defer w.Flush()

	client := &http.Client{Timeout: 15 * time.Second}
	for _, l := range listings {
		resp, err := client.Get(l.url)
		if err != nil {
			log.Error().Err(err).Str("venue", l.venue).Msg("venue request for markets")
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			log.Error().Err(err).Str("venue", l.venue).Msg("read markets response")
			continue
		}
		if !gjson.ValidBytes(body) {
			log.Error().Str("venue", l.venue).Int("status", resp.StatusCode).Msg("convert markets response")
			continue
		}
		pairs := l.pairs(gjson.ParseBytes(body))
		for _, pair := range pairs {
			if err = w.Write([]string{l.venue, pair}); err != nil {
				log.Error().Err(err).Str("venue", l.venue).Msg("writing markets to csv")
				return
			}
		}
		log.Info().Str("venue", l.venue).Int("pairs", len(pairs)).Msg("markets written")
	}
}

func stringsOf(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}
