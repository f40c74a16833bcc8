package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/pkg/errors"
)

// MySQL is for connecting and inserting fetch records to mysql.
//
// Table:
//
//	CREATE TABLE overview_fetch (
//	  id BIGINT AUTO_INCREMENT PRIMARY KEY,
//	  request_id VARCHAR(64), venue VARCHAR(16), symbol VARCHAR(32), timeframe VARCHAR(8),
//	  source VARCHAR(16), bars INT, error VARCHAR(64), warming BOOLEAN, latency_ms BIGINT,
//	  timestamp DATETIME(3), created_at DATETIME(3)
//	);
type MySQL struct {
	DB  *sql.DB
	Cfg *config.MySQL
}

// InitMySQL initializes mysql connection with configured values.
func InitMySQL(cfg *config.MySQL) (*MySQL, error) {
	dsn := mysql.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = strings.TrimPrefix(strings.TrimSuffix(strings.TrimPrefix(cfg.URL, "@tcp("), ")"), "@")
	dsn.DBName = cfg.Schema
	dsn.ParseTime = true
	dsn.Loc = time.UTC

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(time.Second * time.Duration(cfg.ConnMaxLifetimeSec))
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := reqCtx(context.Background(), cfg.ReqTimeoutSec)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return NewMySQL(db, cfg), nil
}

// NewMySQL wraps an already opened database.
func NewMySQL(db *sql.DB, cfg *config.MySQL) *MySQL {
	return &MySQL{DB: db, Cfg: cfg}
}

// fetchColumns is the number of placeholders of one overview_fetch row.
const fetchColumns = 11

// CommitFetches batch inserts fetch records to database.
func (m *MySQL) CommitFetches(appCtx context.Context, data []FetchRecord) error {
	if len(data) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO overview_fetch(request_id, venue, symbol, timeframe, source, bars, error, warming, latency_ms, timestamp, created_at) VALUES ")
	args := make([]interface{}, 0, len(data)*fetchColumns)
	now := time.Now().UTC()
	for i, rec := range data {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, rec.RequestID, rec.Venue, rec.Symbol, rec.Timeframe, rec.Source, rec.Bars,
			rec.Error, rec.Warming, rec.LatencyMs, rec.Timestamp.UTC(), now)
	}

	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	if _, err := m.DB.ExecContext(ctx, sb.String(), args...); err != nil {
		return errors.Wrap(err, "mysql insert overview_fetch")
	}
	return nil
}
