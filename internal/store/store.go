package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andriwidian/go-live-auction/internal/auction"
)

// PG adalah Auction Store di atas postgres. Semua update memakai guard
// `version = $n` (optimistic concurrency): write yang kalah race dapat
// auction.ErrConflict, tidak pernah silent last-write-wins.
type PG struct{ DB *pgxpool.Pool }

const auctionCols = `id, seller_id, title, status,
	starting_price_cents, current_price_cents, reserve_price_cents, bid_increment_cents,
	start_time, original_end_time, end_time, cumulative_extension_ms,
	winner_id, last_bid_id, last_bidder_id, last_bid_at, bid_count,
	version, created_at, updated_at`

func (s *PG) LoadAuction(ctx context.Context, id string) (*auction.Auction, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+auctionCols+` FROM auctions WHERE id=$1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auction.ErrNotFound
	}
	return a, err
}

func (s *PG) CreateAuction(ctx context.Context, a *auction.Auction) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO auctions(`+auctionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,
		        NULLIF($13,''),NULLIF($14,''),NULLIF($15,''),$16,$17,$18,$19,$20)`,
		insertArgs(a)...)
	if err != nil {
		return fmt.Errorf("insert auction: %w", err)
	}
	return nil
}

// AppendBid menyimpan bid dan field auction hasil apply dalam satu transaksi.
// next.Version sudah di-bump caller; guard menulis WHERE version = next.Version-1.
func (s *PG) AppendBid(ctx context.Context, b auction.Bid, next *auction.Auction) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO bids(id, auction_id, bidder_id, amount_cents, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		b.ID, b.AuctionID, b.BidderID, b.AmountCents, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}

	if err := s.updateTx(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PG) UpdateAuction(ctx context.Context, next *auction.Auction) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := s.updateTx(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PG) updateTx(ctx context.Context, tx pgx.Tx, next *auction.Auction) error {
	ct, err := tx.Exec(ctx, `
		UPDATE auctions SET
			status=$2, current_price_cents=$3,
			start_time=$4, original_end_time=$5, end_time=$6, cumulative_extension_ms=$7,
			winner_id=NULLIF($8,''), last_bid_id=NULLIF($9,''), last_bidder_id=NULLIF($10,''),
			last_bid_at=$11, bid_count=$12, version=$13, updated_at=$14
		WHERE id=$1 AND version=$15`,
		next.ID, next.Status, next.CurrentPriceCents,
		next.StartTime, next.OriginalEndTime, next.EndTime, next.CumulativeExtension.Milliseconds(),
		next.WinnerID, next.LastBidID, next.LastBidderID,
		nullTime(next.LastBidAt), next.BidCount, next.Version, next.UpdatedAt,
		next.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update auction: %w", err)
	}
	if ct.RowsAffected() != 1 {
		// versi di store sudah bergerak (admin edit / instance lain)
		return auction.ErrConflict
	}
	return nil
}

// SweepDueTransitions mengembalikan auction yang due untuk transisi
// time-driven: SCHEDULED yang start-nya lewat dan ACTIVE yang end-nya lewat.
func (s *PG) SweepDueTransitions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM auctions
		WHERE (status='SCHEDULED' AND start_time <= $1)
		   OR (status='ACTIVE' AND end_time < $1)
		ORDER BY end_time`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListBids mengembalikan bid history satu auction urut createdAt.
func (s *PG) ListBids(ctx context.Context, auctionID string) ([]auction.Bid, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, auction_id, bidder_id, amount_cents, created_at
		FROM bids WHERE auction_id=$1 ORDER BY created_at`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auction.Bid
	for rows.Next() {
		var b auction.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.AmountCents, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func insertArgs(a *auction.Auction) []any {
	return []any{
		a.ID, a.SellerID, a.Title, a.Status,
		a.StartingPriceCents, a.CurrentPriceCents, a.ReservePriceCents, a.BidIncrementCents,
		a.StartTime, a.OriginalEndTime, a.EndTime, a.CumulativeExtension.Milliseconds(),
		a.WinnerID, a.LastBidID, a.LastBidderID, nullTime(a.LastBidAt), a.BidCount,
		a.Version, a.CreatedAt, a.UpdatedAt,
	}
}

func scanAuction(row pgx.Row) (*auction.Auction, error) {
	var (
		a          auction.Auction
		extMs      int64
		winner     *string
		lastBid    *string
		lastBidder *string
		lastBidAt  *time.Time
	)
	if err := row.Scan(
		&a.ID, &a.SellerID, &a.Title, &a.Status,
		&a.StartingPriceCents, &a.CurrentPriceCents, &a.ReservePriceCents, &a.BidIncrementCents,
		&a.StartTime, &a.OriginalEndTime, &a.EndTime, &extMs,
		&winner, &lastBid, &lastBidder, &lastBidAt, &a.BidCount,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.CumulativeExtension = time.Duration(extMs) * time.Millisecond
	if winner != nil {
		a.WinnerID = *winner
	}
	if lastBid != nil {
		a.LastBidID = *lastBid
	}
	if lastBidder != nil {
		a.LastBidderID = *lastBidder
	}
	if lastBidAt != nil {
		a.LastBidAt = *lastBidAt
	}
	return &a, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
