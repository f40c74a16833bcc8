package storage

import (
	"context"
	"sync"
	"time"

	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// FetchRecord is the operational audit of one overview request, ready to store.
// It carries no market data.
type FetchRecord struct {
	RequestID string
	Venue     string
	Symbol    string
	Timeframe string
	Source    string
	Bars      int
	Error     string
	Warming   bool
	LatencyMs int64
	Timestamp time.Time
}

// Recorder buffers fetch records per configured sink and hands full batches
// to the sink writer goroutines started by Run.
type Recorder struct {
	ter   *Terminal
	mysql *MySQL
	es    *ElasticSearch

	terBuf   int
	mysqlBuf int
	esBuf    int

	mu           sync.Mutex
	terRecords   []FetchRecord
	mysqlRecords []FetchRecord
	esRecords    []FetchRecord

	terCh   chan []FetchRecord
	mysqlCh chan []FetchRecord
	esCh    chan []FetchRecord
}

// NewRecorder creates a recorder writing to the given sinks. A nil sink is skipped.
func NewRecorder(cfg *config.Connection, ter *Terminal, mysql *MySQL, es *ElasticSearch) *Recorder {
	r := &Recorder{
		ter:      ter,
		mysql:    mysql,
		es:       es,
		terBuf:   max(cfg.Terminal.CommitBuf, 1),
		mysqlBuf: max(cfg.MySQL.CommitBuf, 1),
		esBuf:    max(cfg.ES.CommitBuf, 1),
	}
	if ter != nil {
		r.terCh = make(chan []FetchRecord, 1)
	}
	if mysql != nil {
		r.mysqlCh = make(chan []FetchRecord, 1)
	}
	if es != nil {
		r.esCh = make(chan []FetchRecord, 1)
	}
	return r
}

// Enabled reports whether at least one sink is configured.
func (r *Recorder) Enabled() bool {
	return r != nil && (r.ter != nil || r.mysql != nil || r.es != nil)
}

// Record appends rec to every sink buffer and ships the buffers that reached their
// commit size. It blocks only while a sink writer is still busy with the previous batch.
func (r *Recorder) Record(ctx context.Context, rec FetchRecord) error {
	if !r.Enabled() {
		return nil
	}
	var ter, mysql, es []FetchRecord

	r.mu.Lock()
	if r.ter != nil {
		r.terRecords = append(r.terRecords, rec)
		if len(r.terRecords) >= r.terBuf {
			ter, r.terRecords = r.terRecords, nil
		}
	}
	if r.mysql != nil {
		r.mysqlRecords = append(r.mysqlRecords, rec)
		if len(r.mysqlRecords) >= r.mysqlBuf {
			mysql, r.mysqlRecords = r.mysqlRecords, nil
		}
	}
	if r.es != nil {
		r.esRecords = append(r.esRecords, rec)
		if len(r.esRecords) >= r.esBuf {
			es, r.esRecords = r.esRecords, nil
		}
	}
	r.mu.Unlock()

	if err := ship(ctx, r.terCh, ter); err != nil {
		return err
	}
	if err := ship(ctx, r.mysqlCh, mysql); err != nil {
		return err
	}
	return ship(ctx, r.esCh, es)
}

func ship(ctx context.Context, ch chan []FetchRecord, data []FetchRecord) error {
	if len(data) == 0 {
		return nil
	}
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts one writer per sink and blocks until ctx is done or a database sink fails.
// Buffered records are flushed on the way out.
func (r *Recorder) Run(ctx context.Context) error {
	if !r.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	g, gctx := errgroup.WithContext(ctx)
	if r.ter != nil {
		g.Go(func() error {
			for {
				select {
				case data := <-r.terCh:
					r.ter.CommitFetches(data)
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	if r.mysql != nil {
		g.Go(func() error {
			for {
				select {
				case data := <-r.mysqlCh:
					if err := r.mysql.CommitFetches(gctx, data); err != nil {
						if !errors.Is(err, gctx.Err()) {
							logErrStack(err)
						}
						return err
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	if r.es != nil {
		g.Go(func() error {
			for {
				select {
				case data := <-r.esCh:
					if err := r.es.CommitFetches(gctx, data); err != nil {
						if !errors.Is(err, gctx.Err()) {
							logErrStack(err)
						}
						return err
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	err := g.Wait()
	r.Flush()
	return err
}

// Flush writes whatever is buffered, including batches left in the channels.
// It uses a fresh context since the app context is usually gone by then.
func (r *Recorder) Flush() {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	ter, mysql, es := r.terRecords, r.mysqlRecords, r.esRecords
	r.terRecords, r.mysqlRecords, r.esRecords = nil, nil, nil
	r.mu.Unlock()

	ter = append(drain(r.terCh), ter...)
	mysql = append(drain(r.mysqlCh), mysql...)
	es = append(drain(r.esCh), es...)

	ctx := context.Background()
	if r.ter != nil && len(ter) > 0 {
		r.ter.CommitFetches(ter)
	}
	if r.mysql != nil && len(mysql) > 0 {
		if err := r.mysql.CommitFetches(ctx, mysql); err != nil {
			logErrStack(err)
		}
	}
	if r.es != nil && len(es) > 0 {
		if err := r.es.CommitFetches(ctx, es); err != nil {
			logErrStack(err)
		}
	}
	log.Debug().Int("terminal", len(ter)).Int("mysql", len(mysql)).Int("elastic_search", len(es)).Msg("fetch records flushed")
}

func drain(ch chan []FetchRecord) []FetchRecord {
	var out []FetchRecord
	for {
		select {
		case data := <-ch:
			out = append(out, data...)
		default:
			return out
		}
	}
}

// reqCtx applies the configured request timeout to a storage call.
func reqCtx(appCtx context.Context, timeoutSec int) (context.Context, context.CancelFunc) {
	if timeoutSec > 0 {
		return context.WithTimeout(appCtx, time.Duration(timeoutSec)*time.Second)
	}
	return context.WithCancel(appCtx)
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
