package initializer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/series"
)

// TestVenuegate starts the whole app against a cold primary backend and a fake kraken,
// then checks the served overviews, the keep-warm job, the terminal audit and the log file.
func TestVenuegate(t *testing.T) {
	var keepWarm int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			atomic.AddInt32(&keepWarm, 1)
			return
		}
		w.Header().Set("Retry-After", "20")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	kraken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pair") != "XBTUSD" {
			w.Write([]byte(`{"error":["EQuery:Unknown asset pair"]}`))
			return
		}
		if r.URL.Path != "/0/public/OHLC" {
			w.Write([]byte(`{"error":["EService:Unavailable"]}`))
			return
		}
		end := time.Now().Truncate(time.Hour)
		rows := make([]string, 0, 10)
		for i := 10; i >= 1; i-- {
			rows = append(rows, fmt.Sprintf(`[%d,"1","2","0.5","1.5","0","7",3]`, end.Add(-time.Duration(i)*time.Hour).Unix()))
		}
		w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":[` + strings.Join(rows, ",") + `],"last":0}}`))
	}))
	defer kraken.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Log("ERROR : " + err.Error())
		t.FailNow()
	}
	addr := l.Addr().String()
	l.Close()

	logPath := filepath.Join(t.TempDir(), "venuegate.log")
	cfg := config.Default()
	cfg.Server.Addr = addr
	cfg.Primary.BaseURL = primary.URL
	cfg.Primary.MaxRetries = 0
	cfg.Venues = config.Venues{
		Kraken:     true,
		TimeoutMs:  1000,
		RatePerSec: 1000,
		RateBurst:  1000,
		BaseURLs:   map[string]string{"kraken": kraken.URL},
	}
	cfg.Connection.Storages = []string{"terminal"}
	cfg.KeepWarm.Spec = "@every 1s"
	cfg.Log = config.Log{Level: "debug", FilePath: logPath}

	var terOut bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- start(ctx, &cfg, &terOut) }()

	base := "http://" + addr
	if !waitFor(func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}) {
		cancel()
		t.Log("ERROR : app did not start listening on " + addr)
		t.FailNow()
	}

	// Cold primary, served by kraken with the secondary pair.
	ov := getOverview(t, base+"/exchanges/kraken/overview?symbol=BTCUSDT&tf=1h")
	if ov.Error != "" || ov.Source != series.SourceDirect || len(ov.OHLCV) != 10 {
		t.Logf("ERROR : kraken overview error=%q source=%q bars=%d", ov.Error, ov.Source, len(ov.OHLCV))
		t.Fail()
	}
	if ov.Warming == nil || ov.Warming.RetryAfterSec != 20 {
		t.Log("ERROR : kraken overview should report the warming primary")
		t.Fail()
	}
	if ov.Ticker != nil {
		t.Log("ERROR : kraken ticker should be absent when the venue cannot serve it")
		t.Fail()
	}

	// The aggregator venue has no direct path.
	ov = getOverview(t, base+"/exchanges/aggregator/overview?symbol=BTCUSDT&tf=1h")
	if ov.Error != "aggregator_unavailable" || ov.Warming == nil || len(ov.OHLCV) != 0 {
		t.Logf("ERROR : aggregator overview error=%q bars=%d", ov.Error, len(ov.OHLCV))
		t.Fail()
	}

	if !waitFor(func() bool { return atomic.LoadInt32(&keepWarm) > 0 }) {
		t.Log("ERROR : keep-warm job never pinged the primary backend")
		t.Fail()
	}

	cancel()
	select {
	case err = <-done:
		if err != nil {
			t.Log("ERROR : " + err.Error())
			t.Fail()
		}
	case <-time.After(10 * time.Second):
		t.Log("ERROR : app did not stop")
		t.FailNow()
	}

	ter := terOut.String()
	if !strings.Contains(ter, "kraken") || !strings.Contains(ter, "aggregator_unavailable") {
		t.Log("ERROR : terminal audit is missing fetches :\n" + ter)
		t.Fail()
	}

	logs, err := os.ReadFile(logPath)
	if err != nil {
		t.Log("ERROR : " + err.Error())
		t.FailNow()
	}
	for _, want := range []string{"logger setup is done", "gateway ready", "keep-warm job scheduled", "app stopped"} {
		if !strings.Contains(string(logs), want) {
			t.Log("ERROR : log file is missing : " + want)
			t.Fail()
		}
	}
}

func TestStartFailsOnBadKeepWarmSpec(t *testing.T) {
	cfg := config.Default()
	cfg.Primary.BaseURL = "http://127.0.0.1:1"
	cfg.KeepWarm.Spec = "every now and then"
	cfg.Log = config.Log{Level: "error", FilePath: filepath.Join(t.TempDir(), "venuegate.log")}

	if err := start(context.Background(), &cfg, io.Discard); err == nil {
		t.Log("ERROR : an invalid keep-warm spec should stop the app")
		t.FailNow()
	}
}

func TestSetupLoggerTimestampedFile(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "gw")
	closeLog, err := SetupLogger(&config.Log{Level: "warn", FilePath: prefix})
	if err != nil {
		t.Log("ERROR : " + err.Error())
		t.FailNow()
	}
	closeLog()

	matches, err := filepath.Glob(prefix + "_*.log")
	if err != nil || len(matches) != 1 {
		t.Log("ERROR : expected one timestamped log file")
		t.FailNow()
	}

	if _, err = SetupLogger(&config.Log{FilePath: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Log("ERROR : a log file in a missing directory should fail")
		t.FailNow()
	}
}

func getOverview(t *testing.T, url string) series.Overview {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Log("ERROR : " + err.Error())
		t.FailNow()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Logf("ERROR : %s answered %d", url, resp.StatusCode)
		t.FailNow()
	}
	var ov series.Overview
	if err = jsoniter.NewDecoder(resp.Body).Decode(&ov); err != nil {
		t.Log("ERROR : " + err.Error())
		t.FailNow()
	}
	return ov
}

// waitFor polls cond for up to five seconds.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
