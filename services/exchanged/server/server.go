package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	exchange "synthex/native/exchange"
	"synthex/services/exchanged/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	BearerToken   string
	RateLimit     RateLimit
}

// Server hosts the trading, settlement, and admin endpoints for exchanged.
type Server struct {
	cfg     Config
	engine  *exchange.Engine
	store   *storage.Storage
	logger  *slog.Logger
	auth    *Authenticator
	limiter *RateLimiter
	handler http.Handler
	now     func() time.Time
}

// New constructs a configured HTTP server around the engine and its store.
func New(cfg Config, engine *exchange.Engine, store *storage.Storage, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.BearerToken)
	if err != nil {
		return nil, fmt.Errorf("configure admin auth: %w", err)
	}
	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		logger:  logger,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		now:     time.Now,
	}
	srv.handler = otelhttp.NewHandler(srv.routes(), "exchanged.http")
	return srv, nil
}

// Handler exposes the configured router, primarily for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Post("/exchange", s.handleExchange)
		api.Post("/exchange/atomic", s.handleExchangeAtomic)
		api.Post("/settle", s.handleSettle)
		api.Get("/pending", s.handlePending)
		api.Get("/volume", s.handleVolume)
		api.Get("/balance", s.handleBalance)
		api.Get("/trades", s.handleTrades)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.auth.Middleware)
		admin.Post("/rounds", s.handleRecordRound)
		admin.Post("/rounds/invalidate", s.handleInvalidateRound)
		admin.Post("/balances", s.handleIssueBalance)
		admin.Get("/params", s.handleGetParams)
		admin.Put("/params", s.handlePutParams)
	})
	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type exchangeRequest struct {
	Account     string `json:"account"`
	SourceAsset string `json:"source_asset"`
	Amount      string `json:"amount"`
	DestAsset   string `json:"dest_asset"`
	Destination string `json:"destination"`
	MinReceived string `json:"min_received"`
}

type exchangeResponse struct {
	TradeID        string `json:"trade_id,omitempty"`
	SourceAmount   string `json:"source_amount"`
	AmountReceived string `json:"amount_received"`
	Fee            string `json:"fee"`
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, false)
}

func (s *Server) handleExchangeAtomic(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, true)
}

func (s *Server) executeTrade(w http.ResponseWriter, r *http.Request, atomic bool) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amount, err := parsePositiveAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	destination := strings.TrimSpace(req.Destination)
	if destination == "" {
		destination = strings.TrimSpace(req.Account)
	}
	var result *exchange.ExchangeResult
	if atomic {
		var minReceived *big.Int
		if strings.TrimSpace(req.MinReceived) != "" {
			if minReceived, err = parsePositiveAmount(req.MinReceived); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		result, err = s.engine.ExchangeAtomically(r.Context(), req.Account, exchange.Asset(req.SourceAsset), amount, exchange.Asset(req.DestAsset), destination, minReceived)
	} else {
		result, err = s.engine.Exchange(r.Context(), req.Account, exchange.Asset(req.SourceAsset), amount, exchange.Asset(req.DestAsset), destination)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := exchangeResponse{
		SourceAmount:   result.SourceAmount.String(),
		AmountReceived: result.AmountReceived.String(),
		Fee:            result.Fee.String(),
	}
	if result.AmountReceived.Sign() > 0 {
		// Journal the amount the engine actually traded, which can exceed the
		// request after a rebate joins it.
		trade := storage.Trade{
			ID:             uuid.NewString(),
			Account:        strings.TrimSpace(req.Account),
			SourceAsset:    string(exchange.NormaliseAsset(exchange.Asset(req.SourceAsset))),
			SourceAmount:   result.SourceAmount.String(),
			DestAsset:      string(exchange.NormaliseAsset(exchange.Asset(req.DestAsset))),
			AmountReceived: result.AmountReceived.String(),
			Fee:            result.Fee.String(),
			Atomic:         atomic,
			CreatedAt:      s.now(),
		}
		if err := s.store.RecordTrade(r.Context(), trade); err != nil {
			s.logger.Error("journal trade", "error", err)
		} else {
			resp.TradeID = trade.ID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type settleRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Account) == "" || strings.TrimSpace(req.Asset) == "" {
		http.Error(w, "account and asset required", http.StatusBadRequest)
		return
	}
	outcome, err := s.engine.Settle(r.Context(), req.Account, exchange.Asset(req.Asset))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reclaimed":       outcome.Reclaimed.String(),
		"refunded":        outcome.Refunded.String(),
		"entries_settled": outcome.NumEntriesSettled,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if account == "" || asset == "" {
		http.Error(w, "account and asset required", http.StatusBadRequest)
		return
	}
	entries, err := s.engine.PendingEntries(account, exchange.Asset(asset))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	wait, err := s.engine.MaxWaitLeft(account, exchange.Asset(asset))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"source_asset":    string(entry.SourceAsset),
			"source_amount":   entry.SourceAmount.String(),
			"dest_asset":      string(entry.DestAsset),
			"amount_received": entry.AmountReceived.String(),
			"timestamp":       entry.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":           out,
		"max_wait_seconds":  int64(wait.Seconds()),
		"settlement_mature": wait == 0 && len(entries) > 0,
	})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	window, err := s.engine.VolumeWindow()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_start": window.WindowStart,
		"accumulated":  window.Accumulated.String(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if account == "" || asset == "" {
		http.Error(w, "account and asset required", http.StatusBadRequest)
		return
	}
	balance, err := s.store.BalanceOf(account, exchange.Asset(asset))
	if err != nil {
		http.Error(w, "balance lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	if account == "" {
		http.Error(w, "account required", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	trades, err := s.store.TradesForAccount(r.Context(), account, limit)
	if err != nil {
		http.Error(w, "trade lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

type roundRequest struct {
	Asset      string `json:"asset"`
	Rate       string `json:"rate"`
	ObservedAt int64  `json:"observed_at"`
}

func (s *Server) handleRecordRound(w http.ResponseWriter, r *http.Request) {
	var req roundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	rate, ok := new(big.Rat).SetString(strings.TrimSpace(req.Rate))
	if !ok || rate.Sign() <= 0 {
		http.Error(w, "rate must be a positive number", http.StatusBadRequest)
		return
	}
	observed := s.now()
	if req.ObservedAt > 0 {
		observed = time.Unix(req.ObservedAt, 0)
	}
	id, err := s.store.RecordRound(r.Context(), exchange.Asset(req.Asset), rate, observed, false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_id": id})
}

type invalidateRequest struct {
	Asset   string `json:"asset"`
	RoundID uint64 `json:"round_id"`
}

func (s *Server) handleInvalidateRound(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.store.MarkRoundInvalid(r.Context(), exchange.Asset(req.Asset), req.RoundID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

type issueRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func (s *Server) handleIssueBalance(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amount, err := parsePositiveAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Account) == "" {
		http.Error(w, "account required", http.StatusBadRequest)
		return
	}
	if err := s.store.Issue(strings.TrimSpace(req.Account), exchange.Asset(req.Asset), amount); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	balance, err := s.store.BalanceOf(strings.TrimSpace(req.Account), exchange.Asset(req.Asset))
	if err != nil {
		http.Error(w, "balance lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	params := s.engine.Params()
	writeJSON(w, http.StatusOK, map[string]any{
		"base_asset":             string(params.BaseAsset),
		"fee_sink":               params.FeeSink,
		"waiting_period_seconds": int64(params.WaitingPeriod.Seconds()),
		"default_fee_bps":        params.DefaultFeeBps,
		"atomic_max_volume":      volumeString(params.AtomicMaxVolume),
		"atomic_window_seconds":  int64(params.AtomicVolumeWindow.Seconds()),
	})
}

// handlePutParams accepts the same TOML document used at boot and swaps the
// engine onto the parsed snapshot.
func (s *Server) handlePutParams(w http.ResponseWriter, r *http.Request) {
	var cfg exchange.Config
	if err := decodeTOML(r, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params, err := cfg.Parameters()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.UpdateParams(params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("exchange parameters updated", "base_asset", string(params.BaseAsset))
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exchange.ErrSameAsset),
		errors.Is(err, exchange.ErrZeroAmount),
		errors.Is(err, exchange.ErrUnknownAsset),
		errors.Is(err, exchange.ErrAccountRequired):
		status = http.StatusBadRequest
	case errors.Is(err, exchange.ErrWaitingPeriod),
		errors.Is(err, exchange.ErrBelowMinimumReceived),
		errors.Is(err, storage.ErrInsufficientBalance):
		status = http.StatusConflict
	case errors.Is(err, exchange.ErrTooVolatile),
		errors.Is(err, exchange.ErrPriceDeviation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, exchange.ErrVolumeLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, exchange.ErrStalePrice):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("exchange request failed", "error", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func decodeTOML(r *http.Request, out any) error {
	if _, err := toml.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("decode toml: %w", err)
	}
	return nil
}

func parsePositiveAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func volumeString(volume *big.Int) string {
	if volume == nil {
		return ""
	}
	return volume.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
