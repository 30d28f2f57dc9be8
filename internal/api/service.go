// Package api provides the HTTP handlers for inspecting books, positions,
// trade history, and the kill switch.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/book"
	"github.com/quantfray/trading-core/internal/metrics"
	"github.com/quantfray/trading-core/internal/model"
	"github.com/quantfray/trading-core/internal/position"
	"github.com/quantfray/trading-core/internal/risk"
)

// Service exposes the engine's state over HTTP. Books and the position
// manager do their own locking; handlers only read.
type Service struct {
	books     map[string]*book.Book
	positions *position.Manager
	risk      *risk.FuturesManager
	logger    *slog.Logger
}

// NewService creates the HTTP service.
func NewService(books map[string]*book.Book, positions *position.Manager, rm *risk.FuturesManager, logger *slog.Logger) *Service {
	return &Service{
		books:     books,
		positions: positions,
		risk:      rm,
		logger:    logger.With(slog.String("component", "api")),
	}
}

// Routes mounts the handlers under the given router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/books/{symbol}", s.GetBook)
	r.Get("/positions", s.ListPositions)
	r.Post("/positions", s.OpenPosition)
	r.Delete("/positions/{symbol}", s.ClosePosition)
	r.Get("/trades", s.ListTrades)
	r.Get("/killswitch", s.GetKillSwitch)
	r.Post("/killswitch", s.TripKillSwitch)
	r.Delete("/killswitch", s.ResetKillSwitch)
}

// --- Response types ---

// BookResponse is the book view plus derived analytics.
type BookResponse struct {
	book.View
	Status         book.Status `json:"status"`
	MidPrice       string      `json:"mid_price,omitempty"`
	SpreadBps      string      `json:"spread_bps,omitempty"`
	Imbalance      float64     `json:"imbalance"`
	LiquidityScore float64     `json:"liquidity_score"`
	Walls          []book.Wall `json:"walls,omitempty"`
}

// PositionsResponse summarizes the open book of positions.
type PositionsResponse struct {
	Positions  []model.Position `json:"positions"`
	SessionPnL decimal.Decimal  `json:"session_pnl"`
	DailyPnL   decimal.Decimal  `json:"daily_pnl"`
}

// KillSwitchState is returned from GET /killswitch.
type KillSwitchState struct {
	Active    bool       `json:"active"`
	Reason    string     `json:"reason,omitempty"`
	TrippedAt *time.Time `json:"tripped_at,omitempty"`
}

// --- Handlers ---

// GetBook handles GET /api/v1/books/{symbol}?depth=N
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	bk, ok := s.books[symbol]
	if !ok {
		writeError(w, "unknown symbol", http.StatusNotFound)
		return
	}

	depth := 10
	if raw := r.URL.Query().Get("depth"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			depth = n
		}
	}

	resp := BookResponse{
		View:           bk.Snapshot(depth),
		Status:         bk.Validate(),
		Imbalance:      bk.Imbalance(depth),
		LiquidityScore: bk.LiquidityScore(depth),
		Walls:          bk.DetectWalls(decimal.NewFromFloat(2.5), depth),
	}
	if mid, err := bk.MidPrice(); err == nil {
		resp.MidPrice = mid.String()
	}
	if spread, err := bk.SpreadBps(); err == nil {
		resp.SpreadBps = spread.String()
	}
	writeJSON(w, resp)
}

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, PositionsResponse{
		Positions:  s.positions.OpenPositions(),
		SessionPnL: s.positions.SessionPnL(),
		DailyPnL:   s.positions.DailyPnL(),
	})
}

// OpenPosition handles POST /api/v1/positions. The body is a signal; the
// risk manager has the final say.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var sig model.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if sig.Symbol == "" || !sig.Quantity.IsPositive() || !sig.Price.IsPositive() {
		writeError(w, "symbol, positive quantity and price are required", http.StatusBadRequest)
		return
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	result, err := s.positions.OpenPosition(r.Context(), sig)
	if err != nil {
		s.logger.Error("open position failed", slog.String("symbol", sig.Symbol), slog.String("error", err.Error()))
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !result.Opened {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(result)
		return
	}
	writeJSON(w, result)
}

// ClosePosition handles DELETE /api/v1/positions/{symbol}
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	trade, err := s.positions.ClosePosition(r.Context(), symbol, decimal.Zero, model.CloseReasonManual)
	if errors.Is(err, position.ErrNoPosition) {
		writeError(w, "no open position for symbol", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("close position failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, trade)
}

// ListTrades handles GET /api/v1/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.positions.History()
	if trades == nil {
		trades = []model.ClosedTrade{}
	}
	writeJSON(w, trades)
}

// GetKillSwitch handles GET /api/v1/killswitch
func (s *Service) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.killSwitchState())
}

// TripKillSwitch handles POST /api/v1/killswitch
func (s *Service) TripKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}

	s.risk.TripKillSwitch(r.Context(), "", "manual: "+req.Reason, decimal.Zero, decimal.Zero)
	writeJSON(w, s.killSwitchState())
}

// ResetKillSwitch handles DELETE /api/v1/killswitch. Reset is deliberate
// and human-only; nothing in the engine calls it.
func (s *Service) ResetKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.risk.KillSwitch().Reset()
	metrics.KillSwitchActive.Set(0)
	s.logger.Warn("kill switch reset via API")
	writeJSON(w, s.killSwitchState())
}

func (s *Service) killSwitchState() KillSwitchState {
	active, reason, trippedAt := s.risk.KillSwitch().State()
	state := KillSwitchState{Active: active, Reason: reason}
	if active {
		state.TrippedAt = &trippedAt
	}
	return state
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
