package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/andriwidian/go-live-auction/internal/auction"
	"github.com/andriwidian/go-live-auction/internal/bus"
	kafkax "github.com/andriwidian/go-live-auction/internal/kafka"
)

// Store adalah Auction Store durable. Semua write harus mendukung optimistic
// conflict detection (auction.ErrConflict) supaya race dengan write langsung
// ke store (mis. admin edit) kedeteksi.
type Store interface {
	LoadAuction(ctx context.Context, id string) (*auction.Auction, error)
	CreateAuction(ctx context.Context, a *auction.Auction) error
	// AppendBid menyimpan bid + field auction hasil apply dalam satu transaksi.
	// next.Version sudah di-increment caller; store menulis dengan guard
	// WHERE version = next.Version-1.
	AppendBid(ctx context.Context, b auction.Bid, next *auction.Auction) error
	UpdateAuction(ctx context.Context, next *auction.Auction) error
	SweepDueTransitions(ctx context.Context, now time.Time) ([]string, error)
}

// Exporter mengalirkan event log ke downstream (kafka). Nil = tidak export.
type Exporter interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Config struct {
	Producer     string // service name utk envelope
	Origin       string // instance id
	Policy       auction.Policy
	StoreTimeout time.Duration // batas confirm-write di dalam serialized section
	QueueSize    int           // serializer lane buffer
}

// Engine adalah orkestrasi bidding core: admission -> serializer -> ledger +
// policy + state machine -> store confirm -> bus publish, persis satu bid per
// auction pada satu waktu.
type Engine struct {
	cfg   Config
	store Store
	bus   *bus.Bus
	ser   *Serializer
	log   *zap.Logger

	// export per topic, mengikuti pola satu producer per topic
	ExportBids  Exporter
	ExportEnded Exporter
	ExportSold  Exporter

	mu      sync.Mutex
	ledgers map[string]*auction.Auction
}

type BidReceipt struct {
	Bid           auction.Bid
	NewPriceCents int64
	NewEndTime    time.Time
}

func New(cfg Config, store Store, b *bus.Bus, log *zap.Logger) *Engine {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.Policy == (auction.Policy{}) {
		cfg.Policy = auction.DefaultPolicy()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		bus:     b,
		ser:     NewSerializer(cfg.QueueSize),
		log:     log,
		ledgers: make(map[string]*auction.Auction),
	}
}

// PlaceBid menjalankan satu attempt bid penuh. Rejection dikembalikan sebagai
// *auction.Rejection; error lain berarti infrastruktur.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, amountCents int64) (*BidReceipt, error) {
	var (
		receipt *BidReceipt
		oerr    error
	)
	if err := e.ser.Do(ctx, auctionID, func() {
		receipt, oerr = e.placeBid(auctionID, bidderID, amountCents)
	}); err != nil {
		return nil, err
	}
	return receipt, oerr
}

// placeBid jalan eksklusif untuk auctionID (dipanggil dari dalam lane).
func (e *Engine) placeBid(auctionID, bidderID string, amountCents int64) (*BidReceipt, error) {
	led, err := e.ledger(auctionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	// createdAt strictly increasing per auction
	if !now.After(led.LastBidAt) {
		now = led.LastBidAt.Add(time.Microsecond)
	}

	if rej := auction.Admit(led, bidderID, amountCents, now); rej != nil {
		return nil, rej
	}

	b := auction.Bid{
		ID:          uuid.NewString(),
		AuctionID:   auctionID,
		BidderID:    bidderID,
		AmountCents: amountCents,
		CreatedAt:   now,
	}
	newEnd := e.cfg.Policy.Extend(led, now)

	// confirm-before-mutate: apply ke clone, persist, baru swap ledger.
	next := led.Clone()
	next.ApplyBid(b, newEnd)
	next.Version++

	if err := e.confirmWrite(func(sctx context.Context) error {
		return e.store.AppendBid(sctx, b, next)
	}); err != nil {
		e.evict(auctionID)
		return nil, err
	}
	e.setLedger(auctionID, next)

	env := auction.NewBidAccepted(e.cfg.Producer, e.cfg.Origin, next, b)
	e.publish(env)
	e.export(e.ExportBids, auctionID, env)

	return &BidReceipt{Bid: b, NewPriceCents: next.CurrentPriceCents, NewEndTime: next.EndTime}, nil
}

// SweepDue memproses transisi time-driven lewat jalur serialized yang sama
// dengan bid, jadi tidak ada transisi yang balapan dengan bid concurrent.
func (e *Engine) SweepDue(ctx context.Context, now time.Time) error {
	ids, err := e.store.SweepDueTransitions(ctx, now)
	if err != nil {
		return fmt.Errorf("sweep due transitions: %w", err)
	}
	for _, id := range ids {
		id := id
		if err := e.ser.Do(ctx, id, func() {
			if err := e.sweepOne(id, now); err != nil {
				e.log.Warn("sweep transition failed", zap.String("auction_id", id), zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sweepOne(auctionID string, now time.Time) error {
	led, err := e.ledger(auctionID)
	if err != nil {
		return err
	}

	var to auction.Status
	switch {
	case led.Status == auction.StatusScheduled && !now.Before(led.StartTime):
		to = auction.StatusActive
	case led.Status == auction.StatusActive && now.After(led.EndTime):
		// cek ulang terhadap ledger: extension dari bid yang baru masuk bisa
		// sudah menggeser EndTime melewati `now`
		to = auction.StatusEnded
	default:
		return nil
	}
	next := led.Clone()
	if err := next.ApplyTransition(to, now); err != nil {
		return err
	}
	next.Version++

	if err := e.confirmWrite(func(sctx context.Context) error {
		return e.store.UpdateAuction(sctx, next)
	}); err != nil {
		e.evict(auctionID)
		return err
	}
	e.setLedger(auctionID, next)

	env := auction.NewStatusChanged(e.cfg.Producer, e.cfg.Origin, next)
	e.publish(env)
	if to == auction.StatusEnded {
		e.export(e.ExportEnded, auctionID, env)
	}
	return nil
}

// CreateAuction menyimpan draft baru. Belum masuk ledger; draft tidak dilayani
// jalur bid sampai publish.
func (e *Engine) CreateAuction(ctx context.Context, a *auction.Auction) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = auction.StatusDraft
	a.CurrentPriceCents = a.StartingPriceCents
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	return e.store.CreateAuction(ctx, a)
}

// PublishAuction: DRAFT -> SCHEDULED (start di masa depan) atau DRAFT -> ACTIVE.
// OriginalEndTime di-fix di sini.
func (e *Engine) PublishAuction(ctx context.Context, auctionID, actorID string, admin bool) (*auction.Auction, error) {
	return e.transition(ctx, auctionID, func(led *auction.Auction, now time.Time) (auction.Status, error) {
		if !admin && led.SellerID != actorID {
			return "", &auction.Rejection{Reason: auction.ReasonAuthRequired}
		}
		if led.StartTime.After(now) {
			return auction.StatusScheduled, nil
		}
		return auction.StatusActive, nil
	}, func(next *auction.Auction, now time.Time) {
		if !next.StartTime.After(now) {
			next.StartTime = now
		}
		next.OriginalEndTime = next.EndTime
		next.CumulativeExtension = 0
	})
}

// CancelAuction diblok untuk auction ACTIVE yang sudah punya bid, kecuali
// admin override.
func (e *Engine) CancelAuction(ctx context.Context, auctionID, actorID string, admin bool) (*auction.Auction, error) {
	return e.transition(ctx, auctionID, func(led *auction.Auction, _ time.Time) (auction.Status, error) {
		if !admin && led.SellerID != actorID {
			return "", &auction.Rejection{Reason: auction.ReasonAuthRequired}
		}
		if led.Status == auction.StatusActive && led.HasBids() && !admin {
			return "", auction.ErrHasBids
		}
		return auction.StatusCancelled, nil
	}, nil)
}

// MarkSold: ENDED -> SOLD, dipanggil settlement setelah payment capture.
func (e *Engine) MarkSold(ctx context.Context, auctionID string) (*auction.Auction, error) {
	a, err := e.transition(ctx, auctionID, func(*auction.Auction, time.Time) (auction.Status, error) {
		return auction.StatusSold, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	env := auction.NewStatusChanged(e.cfg.Producer, e.cfg.Origin, a)
	e.export(e.ExportSold, auctionID, env)
	return a, nil
}

// transition menjalankan transisi action-driven lewat serialized section.
func (e *Engine) transition(
	ctx context.Context,
	auctionID string,
	decide func(led *auction.Auction, now time.Time) (auction.Status, error),
	prepare func(next *auction.Auction, now time.Time),
) (*auction.Auction, error) {
	var (
		out  *auction.Auction
		oerr error
	)
	if err := e.ser.Do(ctx, auctionID, func() {
		led, err := e.ledger(auctionID)
		if err != nil {
			oerr = err
			return
		}
		now := time.Now().UTC()
		to, err := decide(led, now)
		if err != nil {
			oerr = err
			return
		}
		next := led.Clone()
		if err := next.ApplyTransition(to, now); err != nil {
			oerr = err
			return
		}
		if prepare != nil {
			prepare(next, now)
		}
		next.Version++
		if err := e.confirmWrite(func(sctx context.Context) error {
			return e.store.UpdateAuction(sctx, next)
		}); err != nil {
			e.evict(auctionID)
			oerr = err
			return
		}
		e.setLedger(auctionID, next)
		e.publish(auction.NewStatusChanged(e.cfg.Producer, e.cfg.Origin, next))
		out = next.Clone()
	}); err != nil {
		return nil, err
	}
	return out, oerr
}

// Snapshot mengembalikan copy state ledger, konsisten terhadap serialized
// section (dipakai GET dan bootstrap stream; stream tidak replay history).
func (e *Engine) Snapshot(ctx context.Context, auctionID string) (*auction.Auction, error) {
	var (
		out  *auction.Auction
		oerr error
	)
	if err := e.ser.Do(ctx, auctionID, func() {
		led, err := e.ledger(auctionID)
		if err != nil {
			oerr = err
			return
		}
		out = led.Clone()
	}); err != nil {
		return nil, err
	}
	return out, oerr
}

// ledger mengembalikan state in-memory, rehydrate dari store kalau belum ada
// (termasuk setelah restart: committed bids tidak pernah hilang).
func (e *Engine) ledger(auctionID string) (*auction.Auction, error) {
	e.mu.Lock()
	led, ok := e.ledgers[auctionID]
	e.mu.Unlock()
	if ok {
		return led, nil
	}

	sctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	a, err := e.store.LoadAuction(sctx, auctionID)
	switch {
	case errors.Is(err, auction.ErrNotFound):
		return nil, &auction.Rejection{Reason: auction.ReasonNotFound}
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &auction.Rejection{Reason: auction.ReasonUpstreamTimeout}
	case err != nil:
		return nil, fmt.Errorf("load auction %s: %w", auctionID, err)
	}
	e.setLedger(auctionID, a)
	return a, nil
}

func (e *Engine) setLedger(auctionID string, a *auction.Auction) {
	e.mu.Lock()
	e.ledgers[auctionID] = a
	e.mu.Unlock()
}

func (e *Engine) evict(auctionID string) {
	e.mu.Lock()
	delete(e.ledgers, auctionID)
	e.mu.Unlock()
}

// confirmWrite menjalankan write store dengan timeout bounded dan memetakan
// error ke taxonomy. Timeout/conflict tidak menyentuh ledger; aman di-retry.
func (e *Engine) confirmWrite(fn func(ctx context.Context) error) error {
	sctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	err := fn(sctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &auction.Rejection{Reason: auction.ReasonUpstreamTimeout}
	case errors.Is(err, auction.ErrConflict):
		return &auction.Rejection{Reason: auction.ReasonUpstreamConflict}
	default:
		return err
	}
}

// publish dipanggil dari dalam serialized section: broadcast redis di
// belakang bus ikut dibatasi StoreTimeout, bukan default client.
func (e *Engine) publish(env auction.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	e.bus.Publish(ctx, env)
}

func (e *Engine) export(exp Exporter, auctionID string, env auction.Envelope) {
	if exp == nil {
		return
	}
	exp.Publish(auction.PartitionKey(auctionID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(env.EventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

// Close menghentikan serializer; job yang sudah masuk tetap diselesaikan.
func (e *Engine) Close() { e.ser.Close() }
