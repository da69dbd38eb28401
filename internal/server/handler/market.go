package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/service"
)

// MarketService defines the methods that the market handler requires from
// the service layer.
type MarketService interface {
	CreateMarket(ctx context.Context, req service.CreateMarketRequest) (domain.Market, error)
	GetMarket(ctx context.Context, marketID string) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	CloseMarket(ctx context.Context, marketID string) (domain.Market, error)
	ResolveMarket(ctx context.Context, marketID string, winningOutcome int) (domain.Market, error)
}

// DepthService provides aggregated order book snapshots.
type DepthService interface {
	Depth(ctx context.Context, marketID string, outcome, levels int) (domain.DepthSnapshot, error)
}

// SettlementService triggers settlement of a resolved market.
type SettlementService interface {
	SettleMarket(ctx context.Context, marketID string) (domain.SettlementBatch, error)
}

// MarketHandler serves market administration, depth, and settlement
// endpoints.
type MarketHandler struct {
	markets     MarketService
	depth       DepthService
	settlements SettlementService
	logger      *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given services.
func NewMarketHandler(markets MarketService, depth DepthService, settlements SettlementService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:     markets,
		depth:       depth,
		settlements: settlements,
		logger:      logger,
	}
}

// createMarketRequest is the JSON body for market creation.
type createMarketRequest struct {
	Question   string    `json:"question"`
	Slug       string    `json:"slug"`
	Outcomes   []string  `json:"outcomes"`
	Prices     []float64 `json:"prices"`
	LiquidityB float64   `json:"liquidity_b"`
	AMMEnabled bool      `json:"amm_enabled"`
}

// CreateMarket creates a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var body createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	market, err := h.markets.CreateMarket(r.Context(), service.CreateMarketRequest{
		Question:   body.Question,
		Slug:       body.Slug,
		Outcomes:   body.Outcomes,
		Prices:     body.Prices,
		LiquidityB: body.LiquidityB,
		AMMEnabled: body.AMMEnabled,
	})
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: create market failed",
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

// GetMarket returns a single market by ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// listMarketsResponse wraps the list markets response.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
}

// ListMarkets returns markets ordered newest first.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.markets.ListMarkets(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	if markets == nil {
		markets = []domain.Market{}
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets})
}

// Depth returns the aggregated order book for one outcome of a market.
// GET /api/markets/{id}/depth?outcome=0&levels=10
func (h *MarketHandler) Depth(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	q := r.URL.Query()
	outcome := 0
	if v := q.Get("outcome"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid outcome")
			return
		}
		outcome = n
	}
	levels := 0 // 0 means the service default
	if v := q.Get("levels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			levels = n
		}
	}

	snapshot, err := h.depth.Depth(r.Context(), id, outcome, levels)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// CloseMarket closes a market to new trading.
// POST /api/markets/{id}/close
func (h *MarketHandler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.CloseMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// resolveMarketRequest is the JSON body for market resolution.
type resolveMarketRequest struct {
	WinningOutcome int `json:"winning_outcome"`
}

// ResolveMarket records the winning outcome of a market.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var body resolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	market, err := h.markets.ResolveMarket(r.Context(), id, body.WinningOutcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// SettleMarket settles a resolved market, paying out winning positions.
// Settlement is idempotent; settling an already settled market returns the
// original batch.
// POST /api/markets/{id}/settle
func (h *MarketHandler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	batch, err := h.settlements.SettleMarket(r.Context(), id)
	if errors.Is(err, domain.ErrAlreadySettled) {
		writeJSON(w, http.StatusOK, batch)
		return
	}
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: settle market failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, batch)
}
