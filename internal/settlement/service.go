package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/andriwidian/go-live-auction/internal/auction"
	"github.com/andriwidian/go-live-auction/internal/redisx"
)

// Core adalah operasi engine yang dipakai settlement.
type Core interface {
	Snapshot(ctx context.Context, auctionID string) (*auction.Auction, error)
	MarkSold(ctx context.Context, auctionID string) (*auction.Auction, error)
}

// Dedup mencatat event yang sudah TUNTAS diproses. Seen sebelum kerja, Mark
// hanya setelah outcome final: gagal di tengah tidak boleh ke-mark, supaya
// redelivery tetap di-retry. Nil = dedup off (test).
type Dedup interface {
	Seen(ctx context.Context, eventID string) bool
	Mark(ctx context.Context, eventID string)
}

// RedisDedup menyimpan marker dedup:{service}:{event_id} dengan TTL.
type RedisDedup struct {
	RDB     *redis.Client
	Service string
}

var _ Dedup = (*RedisDedup)(nil)

func (d *RedisDedup) key(eventID string) string {
	return fmt.Sprintf(redisx.KeyDedup, d.Service, eventID)
}

func (d *RedisDedup) Seen(ctx context.Context, eventID string) bool {
	exists, _ := redisx.Exists(ctx, d.RDB, d.key(eventID))
	return exists
}

func (d *RedisDedup) Mark(ctx context.Context, eventID string) {
	_ = d.RDB.Set(ctx, d.key(eventID), "1", redisx.TTLDedup).Err()
}

// Service mengkonsumsi auction.ended, meng-capture payment (role Payment
// Processor), lalu mendorong ENDED -> SOLD. Reserve price dicek di sini, bukan
// di bidding core: di bawah reserve tidak ada sale.
type Service struct {
	Core        Core
	Dedup       Dedup
	Log         *zap.Logger
	ServiceName string
}

// HandleAuctionEnded dipasang sebagai handler consumer.
func (s *Service) HandleAuctionEnded(ctx context.Context, m kafkago.Message) error {
	// 1) decode envelope
	var env auction.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != auction.EventStatusChanged {
		return nil
	} // ignore

	p, err := auction.UnwrapPayload[auction.StatusChangedPayload](env.Payload)
	if err != nil {
		return err
	}
	if p.Status != auction.StatusEnded {
		return nil
	}

	// 2) dedup check (event_id); Mark baru di akhir, setelah outcome final
	if s.Dedup != nil && s.Dedup.Seen(ctx, env.EventID) {
		return nil
	}

	// 3) unsold: tidak ada yang perlu di-settle
	if p.WinnerID == "" {
		s.markDone(ctx, env.EventID)
		return nil
	}

	a, err := s.Core.Snapshot(ctx, env.AuctionID)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", env.AuctionID, err)
	}
	if a.Status != auction.StatusEnded {
		// sudah di-settle instance lain, atau state bergerak; idempotent skip
		s.markDone(ctx, env.EventID)
		return nil
	}

	// 4) reserve price: di bawah reserve -> no sale
	if a.ReservePriceCents > 0 && a.CurrentPriceCents < a.ReservePriceCents {
		s.Log.Info("reserve not met, no sale",
			zap.String("auction_id", a.ID),
			zap.Int64("price_cents", a.CurrentPriceCents),
			zap.Int64("reserve_cents", a.ReservePriceCents))
		s.markDone(ctx, env.EventID)
		return nil
	}

	// 5) payment capture (stub) lalu SOLD
	if err := s.capturePayment(ctx, a); err != nil {
		return fmt.Errorf("capture payment %s: %w", a.ID, err)
	}
	if _, err := s.Core.MarkSold(ctx, a.ID); err != nil {
		// conflict = kalah race dgn instance lain; consumer retry aman
		return fmt.Errorf("mark sold %s: %w", a.ID, err)
	}
	s.markDone(ctx, env.EventID)
	s.Log.Info("auction settled",
		zap.String("auction_id", a.ID),
		zap.String("winner_id", a.WinnerID),
		zap.Int64("price_cents", a.CurrentPriceCents))
	return nil
}

func (s *Service) markDone(ctx context.Context, eventID string) {
	if s.Dedup != nil {
		s.Dedup.Mark(ctx, eventID)
	}
}

// capturePayment adalah placeholder integrasi payment gateway.
func (s *Service) capturePayment(ctx context.Context, a *auction.Auction) error {
	return nil
}
