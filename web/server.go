// Package web is the local observability surface: health, Prometheus
// metrics, and read-side query endpoints over the event store.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gladix/agent/database"
)

// Status is the control-plane snapshot served on /healthz and exported as
// metrics.
type Status struct {
	Phase         string `json:"phase"`
	RingAttached  bool   `json:"ring_attached"`
	StoreWritable bool   `json:"store_writable"`
	ScannerAlive  bool   `json:"scanner_alive"`

	EventsIn        uint64 `json:"events_in"`
	EventsPersisted uint64 `json:"events_persisted"`
	EventsDropped   uint64 `json:"events_dropped"`
	DecodeErrors    uint64 `json:"decode_errors"`
	RingDropped     uint64 `json:"ring_dropped"`
	RingResyncs     uint64 `json:"ring_resyncs"`
	Scans           uint64 `json:"scans"`
	RuleHits        uint64 `json:"rule_hits"`
	SigmaMatches    uint64 `json:"sigma_matches"`
}

// StatusFunc supplies the current Status; the server never reaches into
// other components directly.
type StatusFunc func() Status

// Server owns the HTTP listener.
type Server struct {
	listen string
	reader *database.Reader
	status StatusFunc
	log    *zap.Logger
	srv    *http.Server
}

func NewServer(listen string, reader *database.Reader, status StatusFunc, log *zap.Logger) *Server {
	return &Server{listen: listen, reader: reader, status: status, log: log}
}

// Start serves until stop closes. Always returns the listener error, or
// nil after a clean shutdown.
func (s *Server) Start(stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/events/process", s.handleProcessEvents)
	mux.HandleFunc("/api/events/registry", s.handleRegistryEvents)
	mux.HandleFunc("/api/scans", s.handleScans)

	s.srv = &http.Server{Addr: s.listen, Handler: mux}

	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}()

	s.log.Info("metrics endpoint listening", zap.String("addr", s.listen))
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// registry exposes the counter snapshot through gauge functions, so the
// scrape always reads the live atomics.
func (s *Server) registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	gauge := func(name, help string, get func(Status) float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "gladix", Name: name, Help: help},
			func() float64 { return get(s.status()) },
		))
	}
	gauge("events_in_total", "Events decoded from the ring", func(st Status) float64 { return float64(st.EventsIn) })
	gauge("events_persisted_total", "Rows committed to the store", func(st Status) float64 { return float64(st.EventsPersisted) })
	gauge("events_dropped_total", "Events dropped at any in-process boundary", func(st Status) float64 { return float64(st.EventsDropped) })
	gauge("decode_errors_total", "Frames rejected by the decoder", func(st Status) float64 { return float64(st.DecodeErrors) })
	gauge("ring_dropped_total", "Frames the producer dropped for lack of space", func(st Status) float64 { return float64(st.RingDropped) })
	gauge("ring_resyncs_total", "Poisoned-stream recoveries", func(st Status) float64 { return float64(st.RingResyncs) })
	gauge("scans_total", "File scans completed", func(st Status) float64 { return float64(st.Scans) })
	gauge("rule_hits_total", "Content rule hits", func(st Status) float64 { return float64(st.RuleHits) })
	gauge("sigma_matches_total", "Behavioral rule matches", func(st Status) float64 { return float64(st.SigmaMatches) })
	gauge("up", "1 while the agent is running", func(st Status) float64 {
		if st.Phase == "Running" {
			return 1
		}
		return 0
	})
	return reg
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	code := http.StatusOK
	if !st.RingAttached || !st.StoreWritable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) handleProcessEvents(w http.ResponseWriter, r *http.Request) {
	page := pageFrom(r)
	if pidParam := r.URL.Query().Get("pid"); pidParam != "" {
		pid, err := strconv.ParseUint(pidParam, 10, 32)
		if err != nil {
			http.Error(w, "bad pid", http.StatusBadRequest)
			return
		}
		rows, err := s.reader.ProcessEventsByPID(uint32(pid), page)
		s.reply(w, rows, err)
		return
	}

	seconds := int64(3600)
	if sp := r.URL.Query().Get("seconds"); sp != "" {
		if v, err := strconv.ParseInt(sp, 10, 64); err == nil && v > 0 {
			seconds = v
		}
	}
	rows, err := s.reader.ProcessEventsInWindow(database.Window{From: time.Now().Unix() - seconds}, page)
	s.reply(w, rows, err)
}

func (s *Server) handleRegistryEvents(w http.ResponseWriter, r *http.Request) {
	rows, err := s.reader.RegistryEventsByKeyPrefix(r.URL.Query().Get("prefix"), pageFrom(r))
	s.reply(w, rows, err)
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	rows, err := s.reader.ScanHits(r.URL.Query().Get("file"), pageFrom(r))
	s.reply(w, rows, err)
}

func (s *Server) reply(w http.ResponseWriter, rows any, err error) {
	if err != nil {
		s.log.Error("query failed", zap.Error(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func pageFrom(r *http.Request) database.Page {
	var page database.Page
	if c := r.URL.Query().Get("cursor"); c != "" {
		page.Cursor, _ = strconv.ParseInt(c, 10, 64)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		page.Limit, _ = strconv.Atoi(l)
	}
	return page
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
