// Package server is the inbound HTTP surface of the gateway.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/gateway"
	"github.com/milkywaybrain/venuegate/internal/metrics"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server routes inbound requests to the gateway.
type Server struct {
	cfg    *config.Config
	gw     *gateway.Gateway
	router *mux.Router
}

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New()
)

// overviewQuery is the validated form of an overview or stream request.
type overviewQuery struct {
	Venue  string `validate:"required,oneof=aggregator binance coinbase kraken okx bybit"`
	Symbol string `validate:"required,alphanum,uppercase,min=5,max=20"`
	TF     string `validate:"required"`
}

// defaultTimeframe is used when a request names none.
const defaultTimeframe = "30d"

// New creates the server and its routes.
func New(cfg *config.Config, gw *gateway.Gateway) *Server {
	s := &Server{cfg: cfg, gw: gw, router: mux.NewRouter()}

	s.router.Use(requestID, accessLog)
	s.router.HandleFunc("/exchanges/{venue}/overview", s.overview).Methods(http.MethodGet)
	s.router.HandleFunc("/exchanges/{venue}/stream", s.stream).Methods(http.MethodGet)
	s.router.HandleFunc("/leadership", s.leadership).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	return ctx.Err()
}

func (s *Server) overview(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseOverview(w, r)
	if !ok {
		return
	}
	ov := s.gw.Overview(r.Context(), req)
	writeJSON(w, http.StatusOK, ov)
}

// parseOverview validates the venue, symbol and timeframe of a request and writes
// a 400 answer when they are not usable.
func (s *Server) parseOverview(w http.ResponseWriter, r *http.Request) (gateway.Request, bool) {
	q := overviewQuery{
		Venue:  strings.ToLower(mux.Vars(r)["venue"]),
		Symbol: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol"))),
		TF:     r.URL.Query().Get("tf"),
	}
	if q.TF == "" {
		q.TF = defaultTimeframe
	}
	if err := validate.Struct(&q); err != nil {
		writeError(w, http.StatusBadRequest, invalidField(err))
		return gateway.Request{}, false
	}
	tf, err := series.ParseTimeframe(q.TF)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tf")
		return gateway.Request{}, false
	}
	return gateway.Request{Venue: q.Venue, Symbol: q.Symbol, Timeframe: tf, RequestID: RequestIDFrom(r.Context())}, true
}

// stream pushes a fresh overview over a websocket every interval until the client leaves.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseOverview(w, r)
	if !ok {
		return
	}
	interval := time.Duration(s.cfg.Server.StreamIntervalSec) * time.Second
	if v := r.URL.Query().Get("interval_sec"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 1 {
			writeError(w, http.StatusBadRequest, "invalid interval_sec")
			return
		}
		interval = time.Duration(secs) * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}

	conn, err := connector.Upgrade(w, r, time.Duration(s.cfg.Server.WriteTimeoutSec)*time.Second)
	if err != nil {
		log.Warn().Err(err).Str("venue", req.Venue).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The reader only watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, err := conn.Read(); err != nil {
				return
			}
		}
	}()

	log.Debug().Str("venue", req.Venue).Str("symbol", req.Symbol).Dur("interval", interval).Msg("stream opened")
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		ov := s.gw.Overview(ctx, req)
		if ctx.Err() != nil {
			break
		}
		data, err := json.Marshal(ov)
		if err != nil {
			logErrStack(err)
			break
		}
		if err = conn.Write(data); err != nil {
			log.Debug().Err(err).Str("venue", req.Venue).Msg("stream write failed")
			break
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Debug().Str("venue", req.Venue).Str("symbol", req.Symbol).Msg("stream closed")
}

func (s *Server) leadership(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if err := validate.Var(symbol, "required,alphanum,uppercase,min=5,max=20"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	name := r.URL.Query().Get("tf")
	if name == "" {
		name = defaultTimeframe
	}
	tf, err := series.ParseTimeframe(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tf")
		return
	}
	writeJSON(w, http.StatusOK, s.gw.Leadership(r.Context(), symbol, tf, RequestIDFrom(r.Context())))
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "venues": s.gw.Venues()})
}

// invalidField names the first failing field of a validation error.
func invalidField(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "invalid " + strings.ToLower(verrs[0].Field())
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
