package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"askhuman/internal/bus"
)

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	Addr      string
	Endpoint  string // default /metrics
	Collector *Collector
	Events    *bus.EventBus // optional, backs /debug/events
	Ready     func() bool   // optional, backs /healthz
	Logger    *slog.Logger
}

// Server serves metrics, transport health and recent lifecycle events.
type Server struct {
	cfg    ServerConfig
	server *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Endpoint, s.cfg.Collector.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /debug/events", s.handleEvents)
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.cfg.Logger.Info("metrics server started", "addr", "http://"+s.cfg.Addr+s.cfg.Endpoint)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	ready := s.cfg.Ready == nil || s.cfg.Ready()
	rw.Header().Set("Content-Type", "application/json")
	status := "ok"
	if !ready {
		status = "not_ready"
		rw.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(rw).Encode(map[string]any{
		"status": status,
		"uptime": int64(s.cfg.Collector.Uptime().Seconds()),
		"time":   time.Now().Format(time.RFC3339),
	})
}

type eventView struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleEvents replays bus history. Query: type (default "*"), since (RFC3339
// or a duration such as 5m, default 10m).
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if s.cfg.Events == nil {
		json.NewEncoder(rw).Encode([]eventView{})
		return
	}

	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = "*"
	}
	since := time.Now().Add(-10 * time.Minute)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		} else {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "invalid since"})
			return
		}
	}

	history := s.cfg.Events.Replay(eventType, since)
	out := make([]eventView, 0, len(history))
	for _, e := range history {
		out = append(out, eventView{Type: e.Type, Source: e.Source, Payload: e.Payload, Timestamp: e.Timestamp})
	}
	json.NewEncoder(rw).Encode(out)
}
