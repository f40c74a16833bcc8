package connector

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/metrics"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// REST is the resilient HTTP transport shared by every venue adapter.
// It holds no per request state and is safe for concurrent use.
type REST struct {
	HTTPClient *http.Client
}

// NewREST creates the shared REST client with configured values.
// Timeouts are applied per call through the request context, not on the client.
func NewREST(cfg *config.REST) *REST {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	return &REST{HTTPClient: &http.Client{Transport: t}}
}

// CallOptions bounds a single Call.
type CallOptions struct {
	// Target labels metrics, e.g. "primary" or a venue name.
	Target          string
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	WarmingDelay    time.Duration
	// MaxWarmingDelay caps the sum of the waits after warming answers in one Call.
	// Once it is spent, the last warming outcome is returned. Zero means no cap.
	MaxWarmingDelay time.Duration
	Header          http.Header
}

// OutcomeKind discriminates Outcome.
type OutcomeKind int

// Outcome kinds.
const (
	Success OutcomeKind = iota
	Warming
	Failure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Warming:
		return "warming"
	}
	return "failure"
}

// Outcome is the result of Call.
// Success carries Status, Header and Body. Warming carries the estimated RetryAfter.
// Failure carries the last error in Err.
type Outcome struct {
	Kind       OutcomeKind
	Status     int
	Header     http.Header
	Body       []byte
	RetryAfter time.Duration
	Err        error
}

// StatusError is a non retryable HTTP status returned by the upstream.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return "upstream status " + strconv.Itoa(e.Status) + ": " + e.Body
}

// maxErrBody is how much of an error body is kept for diagnostics.
const maxErrBody = 256

// ErrWarming is the error recorded for an attempt answered with a warming up signal.
var ErrWarming = errors.New("upstream warming up")

// Call GETs url, retrying transient failures within opts bounds.
// Timeouts, refused or reset connections, 5xx and warming answers are retried with
// exponential backoff; any other status terminates at once as a Failure wrapping
// *StatusError. Cancellation of ctx stops the call without retry.
// The suggested warming delay is clamped to what is left of opts.MaxWarmingDelay.
func (r *REST) Call(ctx context.Context, url string, opts CallOptions) Outcome {
	var (
		last   Outcome
		warmed time.Duration
	)
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.RetryDelay << uint(attempt-1)
			if last.Kind == Warming {
				delay = last.RetryAfter
				if opts.MaxWarmingDelay > 0 {
					left := opts.MaxWarmingDelay - warmed
					if left <= 0 {
						return last
					}
					if delay > left {
						delay = left
					}
				}
				warmed += delay
			}
			if err := sleep(ctx, delay); err != nil {
				return Outcome{Kind: Failure, Err: err}
			}
		}

		var retry bool
		last, retry = r.attempt(ctx, url, opts)
		metrics.RecordTransportAttempt(opts.Target, last.Kind.String())
		if !retry {
			return last
		}
		if ctx.Err() != nil {
			return Outcome{Kind: Failure, Err: ctx.Err()}
		}
	}
	return last
}

// attempt performs one request and classifies it. The bool is true when the outcome
// is transient and worth another attempt.
func (r *REST) attempt(ctx context.Context, url string, opts CallOptions) (Outcome, bool) {
	attemptCtx := ctx
	if opts.Timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		attemptCtx = timeoutCtx
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{Kind: Failure, Err: errors.WithStack(err)}, false
	}
	for k, v := range opts.Header {
		req.Header[k] = v
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: Failure, Err: ctx.Err()}, false
		}
		return Outcome{Kind: Failure, Err: errors.Wrap(err, "request "+url)}, transientErr(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: Failure, Err: ctx.Err()}, false
		}
		return Outcome{Kind: Failure, Err: errors.Wrap(err, "read body "+url)}, true
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Outcome{Kind: Success, Status: resp.StatusCode, Header: resp.Header, Body: body}, false
	}
	if after, ok := warmingAfter(resp, body, opts.WarmingDelay); ok {
		return Outcome{Kind: Warming, Status: resp.StatusCode, Header: resp.Header, RetryAfter: after, Err: ErrWarming}, true
	}
	se := &StatusError{Status: resp.StatusCode, Body: truncate(body)}
	return Outcome{Kind: Failure, Status: resp.StatusCode, Header: resp.Header, Err: errors.WithStack(se)}, resp.StatusCode >= 500
}

// warmingAfter detects the cold start signal of the primary backend: a 503 with either a
// Retry-After header or a JSON body whose status is warming. It returns the suggested delay.
func warmingAfter(resp *http.Response, body []byte, def time.Duration) (time.Duration, bool) {
	if resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	header := resp.Header.Get("Retry-After")
	status := gjson.GetBytes(body, "status").String()
	if header == "" && status != "warming" && status != "warming_up" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	for _, path := range []string{"retryAfter", "retry_after"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Float() >= 0 {
			return time.Duration(v.Float() * float64(time.Second)), true
		}
	}
	return def, true
}

// transientErr reports whether a transport level error is worth retrying.
func transientErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func truncate(body []byte) string {
	if len(body) > maxErrBody {
		return string(body[:maxErrBody])
	}
	return string(body)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tick := time.NewTimer(d)
	defer tick.Stop()
	select {
	case <-tick.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
