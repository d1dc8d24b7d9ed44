package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/andriwidian/go-live-auction/internal/auction"
	"github.com/andriwidian/go-live-auction/internal/engine"
	"github.com/andriwidian/go-live-auction/internal/identity"
	"github.com/andriwidian/go-live-auction/internal/redisx"
)

// Core adalah operasi bidding engine yang di-expose HTTP layer.
type Core interface {
	PlaceBid(ctx context.Context, auctionID, bidderID string, amountCents int64) (*engine.BidReceipt, error)
	CreateAuction(ctx context.Context, a *auction.Auction) error
	PublishAuction(ctx context.Context, auctionID, actorID string, admin bool) (*auction.Auction, error)
	CancelAuction(ctx context.Context, auctionID, actorID string, admin bool) (*auction.Auction, error)
	Snapshot(ctx context.Context, auctionID string) (*auction.Auction, error)
}

// BidLister membaca bid history dari store (append-only, urut createdAt).
type BidLister interface {
	ListBids(ctx context.Context, auctionID string) ([]auction.Bid, error)
}

type AuctionsHandler struct {
	Core     Core
	Identity identity.Provider
	Redis    *redis.Client
	Bids     BidLister
}

func (h *AuctionsHandler) Register(r *chi.Mux) {
	r.Post("/auctions", h.createAuction)
	r.Post("/auctions/{id}/publish", h.publishAuction)
	r.Post("/auctions/{id}/cancel", h.cancelAuction)
	r.Post("/auctions/{id}/bids", h.placeBid)
	r.Get("/auctions/{id}", h.getAuction)
	r.Get("/auctions/{id}/bids", h.listBids)
}

type CreateAuctionReq struct {
	Title              string    `json:"title"`
	StartingPriceCents int64     `json:"starting_price_cents"`
	BidIncrementCents  int64     `json:"bid_increment_cents"`
	ReservePriceCents  int64     `json:"reserve_price_cents"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
}

type PlaceBidReq struct {
	AmountCents int64 `json:"amount_cents"`
}

type PlaceBidResp struct {
	BidID         string    `json:"bid_id"`
	AmountCents   int64     `json:"amount_cents"`
	CreatedAt     time.Time `json:"created_at"`
	NewPriceCents int64     `json:"new_price_cents"`
	NewEndTime    time.Time `json:"new_end_time"`
}

type RejectResp struct {
	Rejected    string `json:"rejected"`
	MinBidCents int64  `json:"min_bid_cents,omitempty"`
}

type AuctionView struct {
	ID                 string    `json:"id"`
	SellerID           string    `json:"seller_id"`
	Title              string    `json:"title"`
	Status             string    `json:"status"`
	StartingPriceCents int64     `json:"starting_price_cents"`
	CurrentPriceCents  int64     `json:"current_price_cents"`
	BidIncrementCents  int64     `json:"bid_increment_cents"`
	MinNextBidCents    int64     `json:"min_next_bid_cents"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	BidCount           int       `json:"bid_count"`
	WinnerID           string    `json:"winner_id,omitempty"`
}

func viewOf(a *auction.Auction) AuctionView {
	return AuctionView{
		ID:                 a.ID,
		SellerID:           a.SellerID,
		Title:              a.Title,
		Status:             string(a.Status),
		StartingPriceCents: a.StartingPriceCents,
		CurrentPriceCents:  a.CurrentPriceCents,
		BidIncrementCents:  a.BidIncrementCents,
		MinNextBidCents:    a.MinNextBidCents(),
		StartTime:          a.StartTime,
		EndTime:            a.EndTime,
		BidCount:           a.BidCount,
		WinnerID:           a.WinnerID,
	}
}

// cache helpers: Redis nil = cache dimatikan (mis. di test).
func (h *AuctionsHandler) cacheGet(ctx context.Context, key string) (string, bool) {
	if h.Redis == nil {
		return "", false
	}
	s, err := h.Redis.Get(ctx, key).Result()
	return s, err == nil && s != ""
}

func (h *AuctionsHandler) cacheSet(ctx context.Context, key string, val []byte) {
	if h.Redis == nil {
		return
	}
	_ = h.Redis.Set(ctx, key, val, redisx.TTLSnapshotCache).Err()
}

func (h *AuctionsHandler) cacheDel(ctx context.Context, key string) {
	if h.Redis == nil {
		return
	}
	_ = h.Redis.Del(ctx, key).Err()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// session resolve Bearer token via Identity Provider.
func (h *AuctionsHandler) session(r *http.Request) (identity.Session, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return h.Identity.Resolve(r.Context(), token)
}

func (h *AuctionsHandler) createAuction(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, RejectResp{Rejected: string(auction.ReasonAuthRequired)})
		return
	}
	var req CreateAuctionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Title == "" || req.StartingPriceCents <= 0 || req.BidIncrementCents <= 0 || req.EndTime.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	a := &auction.Auction{
		SellerID:           sess.UserID,
		Title:              req.Title,
		StartingPriceCents: req.StartingPriceCents,
		BidIncrementCents:  req.BidIncrementCents,
		ReservePriceCents:  req.ReservePriceCents,
		StartTime:          req.StartTime,
		OriginalEndTime:    req.EndTime,
		EndTime:            req.EndTime,
	}
	if err := h.Core.CreateAuction(ctx, a); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(a))
}

func (h *AuctionsHandler) publishAuction(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, func(ctx context.Context, id string, sess identity.Session) (*auction.Auction, error) {
		return h.Core.PublishAuction(ctx, id, sess.UserID, sess.Admin())
	})
}

func (h *AuctionsHandler) cancelAuction(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, func(ctx context.Context, id string, sess identity.Session) (*auction.Auction, error) {
		return h.Core.CancelAuction(ctx, id, sess.UserID, sess.Admin())
	})
}

func (h *AuctionsHandler) doTransition(
	w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id string, sess identity.Session) (*auction.Auction, error),
) {
	sess, err := h.session(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, RejectResp{Rejected: string(auction.ReasonAuthRequired)})
		return
	}
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	a, err := op(ctx, id, sess)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// snapshot cache basi setelah transisi
	h.cacheDel(ctx, fmt.Sprintf(redisx.KeyAuctionSnapshot, id))
	writeJSON(w, http.StatusOK, viewOf(a))
}

func (h *AuctionsHandler) placeBid(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, RejectResp{Rejected: string(auction.ReasonAuthRequired)})
		return
	}
	id := chi.URLParam(r, "id")

	var req PlaceBidReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.AmountCents <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	receipt, err := h.Core.PlaceBid(ctx, id, sess.UserID, req.AmountCents)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.cacheDel(ctx, fmt.Sprintf(redisx.KeyAuctionSnapshot, id))
	writeJSON(w, http.StatusOK, PlaceBidResp{
		BidID:         receipt.Bid.ID,
		AmountCents:   receipt.Bid.AmountCents,
		CreatedAt:     receipt.Bid.CreatedAt,
		NewPriceCents: receipt.NewPriceCents,
		NewEndTime:    receipt.NewEndTime,
	})
}

func (h *AuctionsHandler) getAuction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	key := fmt.Sprintf(redisx.KeyAuctionSnapshot, id)
	if s, ok := h.cacheGet(ctx, key); ok {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	// 2) fallback engine (serialized read, konsisten dgn ledger)
	a, err := h.Core.Snapshot(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	b, _ := json.Marshal(viewOf(a))
	h.cacheSet(ctx, key, b)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

type BidView struct {
	ID          string    `json:"id"`
	BidderID    string    `json:"bidder_id"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *AuctionsHandler) listBids(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// pastikan auction-nya ada dulu
	if _, err := h.Core.Snapshot(ctx, id); err != nil {
		h.writeError(w, err)
		return
	}
	bids, err := h.Bids.ListBids(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]BidView, 0, len(bids))
	for _, b := range bids {
		out = append(out, BidView{ID: b.ID, BidderID: b.BidderID, AmountCents: b.AmountCents, CreatedAt: b.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AuctionsHandler) writeError(w http.ResponseWriter, err error) {
	if rej, ok := auction.AsRejection(err); ok {
		writeJSON(w, statusOf(rej.Reason), RejectResp{
			Rejected:    string(rej.Reason),
			MinBidCents: rej.MinBidCents,
		})
		return
	}
	switch {
	case errors.Is(err, auction.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, auction.ErrHasBids), errors.Is(err, auction.ErrTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func statusOf(reason auction.RejectReason) int {
	switch reason {
	case auction.ReasonAuthRequired:
		return http.StatusUnauthorized
	case auction.ReasonOwnAuction:
		return http.StatusForbidden
	case auction.ReasonNotFound:
		return http.StatusNotFound
	case auction.ReasonUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		// NOT_ACTIVE, ENDED, TOO_LOW, UPSTREAM_CONFLICT
		return http.StatusConflict
	}
}
