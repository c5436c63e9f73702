// Package dashboard serves a read-only HTTP view of the bot's state.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/oriphim/premium-harvester/internal/models"
	"github.com/oriphim/premium-harvester/internal/risk"
	"github.com/oriphim/premium-harvester/internal/telemetry"
)

// Server exposes risk state, positions and telemetry rollups over HTTP.
// All endpoints are read only; the dashboard never mutates trading state.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	ledger    *risk.Ledger
	book      *models.Book
	sink      telemetry.Sink
	logger    zerolog.Logger
	listen    string
	authToken string
}

// Config holds the dashboard settings.
type Config struct {
	Listen    string
	AuthToken string
}

// PositionView is the wire shape of one position.
type PositionView struct {
	ID             string  `json:"id"`
	Symbol         string  `json:"symbol"`
	Strategy       string  `json:"strategy"`
	State          string  `json:"state"`
	EntryDate      string  `json:"entry_date"`
	DTE            int     `json:"dte"`
	ShortStrike    float64 `json:"short_strike"`
	LongStrike     float64 `json:"long_strike,omitempty"`
	Quantity       int     `json:"quantity"`
	CreditReceived float64 `json:"credit_received"`
	CurrentPnL     float64 `json:"current_pnl"`
	PnLPercent     float64 `json:"pnl_percent"`
	ExitReason     string  `json:"exit_reason,omitempty"`
}

// NewServer creates a dashboard server. It does not start listening.
func NewServer(cfg Config, ledger *risk.Ledger, book *models.Book, sink telemetry.Sink, logger zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		ledger:    ledger,
		book:      book,
		sink:      sink,
		logger:    logger.With().Str("component", "dashboard").Logger(),
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/risk", s.handleRisk)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/positions/{id}", s.handlePosition)
	s.router.Get("/api/summary", s.handleSummary)
	s.router.Get("/api/report/eod", s.handleEODReport)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("listen", s.listen).Msg("starting dashboard server")
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.ledger.Summary())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.book.Open()
	if r.URL.Query().Get("all") == "true" {
		positions = s.book.All()
	}
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toView(p))
	}
	s.writeJSON(w, views)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	p := s.book.Get(chi.URLParam(r, "id"))
	if p == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toView(p))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	summary, err := s.sink.DailySummary(r.Context(), date)
	if err != nil {
		s.logger.Error().Err(err).Msg("daily summary query failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, summary)
}

func (s *Server) handleEODReport(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	report, err := s.sink.EODReport(r.Context(), date)
	if err != nil {
		s.logger.Error().Err(err).Msg("EOD report failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(report)); err != nil {
		s.logger.Warn().Err(err).Msg("report write failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func toView(p *models.Position) PositionView {
	return PositionView{
		ID:             p.ID,
		Symbol:         p.Symbol,
		Strategy:       string(p.Strategy),
		State:          string(p.State),
		EntryDate:      p.EntryDate.Format(time.RFC3339),
		DTE:            p.DTE(),
		ShortStrike:    p.ShortStrike,
		LongStrike:     p.LongStrike,
		Quantity:       p.Quantity,
		CreditReceived: p.CreditReceived,
		CurrentPnL:     p.CurrentPnL,
		PnLPercent:     p.ProfitPercent(),
		ExitReason:     p.ExitReason,
	}
}
