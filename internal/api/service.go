// Package api provides the HTTP handlers for the contest control surface,
// market data queries and the WebSocket event stream.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/ledger"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/risk"
	"github.com/atmx/contest-engine/internal/tickcache"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	defaultCandleLimit  = 500
)

// Service serves the contest API.
type Service struct {
	contest *contest.Lifecycle
	cache   *tickcache.Cache
	hub     *WSHub
	started time.Time
}

// NewService creates the API service. hub may be nil.
func NewService(lc *contest.Lifecycle, cache *tickcache.Cache, hub *WSHub) *Service {
	return &Service{
		contest: lc,
		cache:   cache,
		hub:     hub,
		started: time.Now(),
	}
}

// Routes registers the /api/v1 endpoints on r.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		// WebSocket endpoint for real-time market events.
		r.Get("/ws", s.hub.HandleWS)
	}

	// Market data.
	r.Get("/symbols", s.ListSymbols)
	r.Get("/history/{symbol}", s.GetHistory)
	r.Get("/candlestick/{symbol}", s.GetCandles)

	// Session control.
	r.Get("/session", s.GetSession)
	r.Post("/session/start", s.StartSession)
	r.Post("/session/pause", s.PauseSession)
	r.Post("/session/resume", s.ResumeSession)
	r.Post("/session/stop", s.StopSession)
	r.Post("/session/speed", s.SetSpeed)
	r.Get("/session/results", s.GetResults)

	// Participants and trading.
	r.Post("/participants", s.Join)
	r.Post("/trade", s.ExecuteTrade)
	r.Get("/portfolio/{participantID}", s.GetPortfolio)
	r.Get("/trades/{participantID}", s.GetTrades)
	r.Get("/leaderboard", s.GetLeaderboard)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	ParticipantID string          `json:"participant_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // buy, sell, short or cover
	Quantity      decimal.Decimal `json:"quantity"`
}

// JoinRequest is the JSON body for POST /participants.
type JoinRequest struct {
	ParticipantID string `json:"participant_id"`
}

// SpeedRequest is the JSON body for POST /session/speed.
type SpeedRequest struct {
	Speed float64 `json:"speed"`
}

// SymbolInfo is one entry of GET /symbols.
type SymbolInfo struct {
	Symbol    string           `json:"symbol"`
	LastPrice *decimal.Decimal `json:"last_price,omitempty"`
}

// Pagination describes a page of GET /history.
type Pagination struct {
	Page         int `json:"page"`
	Limit        int `json:"limit"`
	TotalRecords int `json:"totalRecords"`
	TotalPages   int `json:"totalPages"`
}

// HistoryResponse is the JSON body of GET /history/{symbol}.
type HistoryResponse struct {
	Symbol     string       `json:"symbol"`
	Data       []model.Tick `json:"data"`
	Pagination Pagination   `json:"pagination"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status         string      `json:"status"`
	Service        string      `json:"service"`
	Phase          model.Phase `json:"phase"`
	ConnectedUsers int         `json:"connectedUsers"`
	ActiveSymbols  int         `json:"activeSymbols"`
	Uptime         float64     `json:"uptime"` // seconds
}

// --- HTTP Handlers ---

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Service: "contest-engine",
		Phase:   s.contest.State().Phase,
		Uptime:  time.Since(s.started).Seconds(),
	}
	if s.hub != nil {
		resp.ConnectedUsers = s.hub.ConnectedClients()
		resp.ActiveSymbols = s.hub.ActiveInstruments()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSymbols handles GET /api/v1/symbols
func (s *Service) ListSymbols(w http.ResponseWriter, r *http.Request) {
	prices := s.cache.Prices()
	symbols := s.contest.State().Instruments
	out := make([]SymbolInfo, 0, len(symbols))
	for _, sym := range symbols {
		info := SymbolInfo{Symbol: sym}
		if p, ok := prices[sym]; ok {
			info.LastPrice = &p
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetHistory handles GET /api/v1/history/{symbol}?page=1&limit=100
// Pages run oldest to newest over the retained ticks.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbolParam(w, r)
	if !ok {
		return
	}
	page, err := intQuery(r, "page", 1)
	if err != nil || page < 1 {
		writeError(w, "page must be a positive integer", http.StatusBadRequest)
		return
	}
	limit, err := intQuery(r, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	limit = min(limit, maxHistoryLimit)

	total := s.cache.Len(symbol)
	from := (page - 1) * limit
	ticks := s.cache.Query(symbol, from, from+limit).Slice()

	writeJSON(w, http.StatusOK, HistoryResponse{
		Symbol: symbol,
		Data:   ticks,
		Pagination: Pagination{
			Page:         page,
			Limit:        limit,
			TotalRecords: total,
			TotalPages:   (total + limit - 1) / limit,
		},
	})
}

// GetCandles handles GET /api/v1/candlestick/{symbol}?interval=1m&limit=500
// Returns closed candles plus the one in progress, oldest first.
func (s *Service) GetCandles(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbolParam(w, r)
	if !ok {
		return
	}
	label := r.URL.Query().Get("interval")
	if label == "" {
		label = instrument.Timeframe1m
	}
	tf, err := instrument.ParseTimeframe(label)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !slices.Contains(s.cache.Candles().Timeframes(), tf) {
		writeError(w, "interval not aggregated: "+label, http.StatusBadRequest)
		return
	}
	limit, err := intQuery(r, "limit", defaultCandleLimit)
	if err != nil {
		writeError(w, "limit must be an integer", http.StatusBadRequest)
		return
	}

	candles := s.cache.Candles().Candles(symbol, tf, limit)
	if candles == nil {
		candles = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, candles)
}

// GetSession handles GET /api/v1/session
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.contest.State())
}

// StartSession handles POST /api/v1/session/start
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.contest.Start(r.Context())
	s.writeTransition(w, state, err)
}

// PauseSession handles POST /api/v1/session/pause
func (s *Service) PauseSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.contest.Pause(r.Context())
	s.writeTransition(w, state, err)
}

// ResumeSession handles POST /api/v1/session/resume
func (s *Service) ResumeSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.contest.Resume(r.Context())
	s.writeTransition(w, state, err)
}

// StopSession handles POST /api/v1/session/stop
// Settles every open short and returns the final leaderboard.
func (s *Service) StopSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.contest.Stop(r.Context())
	if err != nil {
		s.writeTransition(w, s.contest.State(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         s.contest.State(),
		"final_results": res.Leaderboard,
		"square_offs":   len(res.Trades),
	})
}

func (s *Service) writeTransition(w http.ResponseWriter, state model.ContestState, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, state)
	case errors.Is(err, contest.ErrInvalidTransition):
		// Lifecycle no-ops are idempotent-safe: a warning, not an error.
		writeJSON(w, http.StatusConflict, map[string]any{"warning": err.Error(), "state": state})
	default:
		slog.Error("session transition failed", "err", err)
		writeError(w, "session transition failed: "+err.Error(), http.StatusInternalServerError)
	}
}

// SetSpeed handles POST /api/v1/session/speed
func (s *Service) SetSpeed(w http.ResponseWriter, r *http.Request) {
	var req SpeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.contest.SetSpeed(req.Speed); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.contest.State())
}

// GetResults handles GET /api/v1/session/results
func (s *Service) GetResults(w http.ResponseWriter, r *http.Request) {
	results := s.contest.Results()
	if results == nil {
		results = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, results)
}

// Join handles POST /api/v1/participants
func (s *Service) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" {
		writeError(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	p, err := s.contest.Join(r.Context(), req.ParticipantID)
	if err != nil {
		slog.Error("join failed", "participant", req.ParticipantID, "err", err)
		writeError(w, "failed to join contest", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExecuteTrade handles POST /api/v1/trade
// Executes at the latest replayed price and returns the trade with the
// updated portfolio.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.ParticipantID == "" {
		writeError(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	side := model.Side(req.Side)
	if !side.Valid() {
		writeError(w, "side must be buy, sell, short or cover", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	symbol, err := instrument.NormalizeSymbol(req.Symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.contest.SubmitTrade(r.Context(), req.ParticipantID, symbol, side, req.Quantity)
	if err != nil {
		writeError(w, err.Error(), tradeStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func tradeStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, ledger.ErrUnknownSide):
		return http.StatusBadRequest
	case errors.Is(err, contest.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, risk.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientHoldings),
		errors.Is(err, ledger.ErrNoActiveShort),
		errors.Is(err, ledger.ErrShortExists),
		errors.Is(err, ledger.ErrSessionNotRunning),
		errors.Is(err, ledger.ErrNoPrice),
		errors.Is(err, risk.ErrPositionLimitExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetPortfolio handles GET /api/v1/portfolio/{participantID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	p, err := s.contest.Portfolio(participantID)
	if err != nil {
		writeError(w, "participant not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTrades handles GET /api/v1/trades/{participantID}
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	trades, err := s.contest.Trades(r.Context(), participantID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetLeaderboard handles GET /api/v1/leaderboard?limit=10
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.contest.Leaderboard(limit))
}

// --- Helpers ---

func (s *Service) symbolParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol, err := instrument.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return symbol, true
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
