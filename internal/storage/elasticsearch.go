package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/venuegate/internal/config"
)

// ElasticSearch is for connecting and indexing fetch records to elastic search.
type ElasticSearch struct {
	ES        *elasticsearch.Client
	IndexName string
	Cfg       *config.ES
}

// InitElasticSearch initializes elastic search connection with configured values.
func InitElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: t,
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := reqCtx(context.Background(), cfg.ReqTimeoutSec)
	defer cancel()
	resp, err := es.Ping(es.Ping.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("elastic search ping, code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	return &ElasticSearch{
		ES:        es,
		IndexName: cfg.IndexName,
		Cfg:       cfg,
	}, nil
}

// esData is one fetch record document sent to elastic search.
type esData struct {
	RequestID string    `json:"request_id"`
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Source    string    `json:"source"`
	Bars      int       `json:"bars"`
	Error     string    `json:"error,omitempty"`
	Warming   bool      `json:"warming"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// CommitFetches batch indexes fetch records to elastic search.
func (e *ElasticSearch) CommitFetches(appCtx context.Context, data []FetchRecord) error {
	var buf bytes.Buffer
	meta := []byte(fmt.Sprintf(`{"create":{}}%s`, "\n"))
	for _, rec := range data {
		ed := esData{
			RequestID: rec.RequestID,
			Venue:     rec.Venue,
			Symbol:    rec.Symbol,
			Timeframe: rec.Timeframe,
			Source:    rec.Source,
			Bars:      rec.Bars,
			Error:     rec.Error,
			Warming:   rec.Warming,
			LatencyMs: rec.LatencyMs,
			Timestamp: rec.Timestamp,
			CreatedAt: time.Now().UTC(),
		}
		esBytes, err := jsoniter.Marshal(ed)
		if err != nil {
			return err
		}
		esBytes = append(esBytes, "\n"...)
		buf.Grow(len(meta) + len(esBytes))
		buf.Write(meta)
		buf.Write(esBytes)
	}

	ctx, cancel := reqCtx(appCtx, e.Cfg.ReqTimeoutSec)
	defer cancel()
	resp, err := e.ES.Bulk(bytes.NewReader(buf.Bytes()), e.ES.Bulk.WithIndex(e.IndexName), e.ES.Bulk.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
