package auction

import "time"

// Auction adalah state otoritatif satu lelang. Field harga dalam cents.
type Auction struct {
	ID                  string
	SellerID            string
	Title               string
	Status              Status
	StartingPriceCents  int64
	CurrentPriceCents   int64
	ReservePriceCents   int64 // 0 = tanpa reserve
	BidIncrementCents   int64
	StartTime           time.Time
	OriginalEndTime     time.Time // fixed saat publish
	EndTime             time.Time // hanya boleh maju (anti-sniping)
	CumulativeExtension time.Duration
	WinnerID            string
	LastBidID           string
	LastBidderID        string
	LastBidAt           time.Time
	BidCount            int
	Version             int64 // optimistic concurrency di store
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Bid immutable, append-only. CreatedAt di-assign di dalam serialized section,
// strictly increasing per auction.
type Bid struct {
	ID          string
	AuctionID   string
	BidderID    string
	AmountCents int64
	CreatedAt   time.Time
}

// MinNextBidCents: harga minimum supaya bid berikutnya lolos admission.
func (a *Auction) MinNextBidCents() int64 {
	return a.CurrentPriceCents + a.BidIncrementCents
}

// HasBids reports whether at least one bid was accepted.
func (a *Auction) HasBids() bool { return a.BidCount > 0 }

// Clone returns a copy safe to hand outside the serialized section.
func (a *Auction) Clone() *Auction {
	c := *a
	return &c
}
