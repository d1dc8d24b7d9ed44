package auction

import (
	"fmt"
	"time"
)

// ApplyBid mutates the ledger for an accepted bid. Hanya boleh dipanggil dari
// dalam serialized section, setelah store konfirmasi write (confirm-before-mutate).
func (a *Auction) ApplyBid(b Bid, newEndTime time.Time) {
	a.CurrentPriceCents = b.AmountCents
	a.LastBidID = b.ID
	a.LastBidderID = b.BidderID
	a.LastBidAt = b.CreatedAt
	a.BidCount++
	if newEndTime.After(a.EndTime) {
		a.EndTime = newEndTime
		a.CumulativeExtension = a.EndTime.Sub(a.OriginalEndTime)
	}
	a.UpdatedAt = b.CreatedAt
}

// ApplyTransition mutates status following the transition table. Transisi
// ACTIVE→ENDED menetapkan winner dari last bidder kalau ada bid; tanpa bid
// auction tetap ENDED (unsold, winner kosong).
func (a *Auction) ApplyTransition(to Status, now time.Time) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, a.Status, to)
	}
	if a.Status == StatusActive && to == StatusEnded && a.HasBids() {
		a.WinnerID = a.LastBidderID
	}
	a.Status = to
	a.UpdatedAt = now
	return nil
}

// Replay melipat event log (urut) di atas snapshot awal dan menghasilkan state
// ledger akhir secara deterministik. Dipakai untuk verifikasi round-trip.
func Replay(base *Auction, events []Envelope) (*Auction, error) {
	a := base.Clone()
	for _, ev := range events {
		if ev.AuctionID != a.ID {
			return nil, fmt.Errorf("replay: event %s for auction %s, want %s", ev.EventID, ev.AuctionID, a.ID)
		}
		switch ev.EventType {
		case EventBidAccepted:
			p, err := UnwrapPayload[BidAcceptedPayload](ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("replay: decode %s: %w", ev.EventID, err)
			}
			a.ApplyBid(Bid{
				ID:          p.BidID,
				AuctionID:   a.ID,
				BidderID:    p.BidderID,
				AmountCents: p.AmountCents,
				CreatedAt:   p.CreatedAt,
			}, p.NewEndTime)
		case EventStatusChanged:
			p, err := UnwrapPayload[StatusChangedPayload](ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("replay: decode %s: %w", ev.EventID, err)
			}
			a.Status = p.Status
			a.WinnerID = p.WinnerID
			a.UpdatedAt = ev.OccurredAt
		case EventHeartbeat:
			// no-op
		default:
			return nil, fmt.Errorf("replay: unknown event type %q", ev.EventType)
		}
	}
	return a, nil
}
