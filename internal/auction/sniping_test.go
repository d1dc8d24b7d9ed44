package auction

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

func activeAuction(now time.Time) *Auction {
	end := now.Add(10 * time.Minute)
	return &Auction{
		ID:                 "a1",
		SellerID:           "seller",
		Status:             StatusActive,
		StartingPriceCents: 10000,
		CurrentPriceCents:  10000,
		BidIncrementCents:  500,
		StartTime:          now.Add(-time.Hour),
		OriginalEndTime:    end,
		EndTime:            end,
	}
}

func TestExtend_OutsideWindowUnchanged(t *testing.T) {
	now := time.Now().UTC()
	a := activeAuction(now)
	p := DefaultPolicy()

	// 10 menit tersisa, window 2 menit: tidak ada perpanjangan
	got := p.Extend(a, now)
	check.Equal(t, a.EndTime, got)
}

func TestExtend_InsideWindow(t *testing.T) {
	now := time.Now().UTC()
	a := activeAuction(now)
	p := DefaultPolicy()

	// bid 1 menit sebelum end: endTime jadi now+2m
	bidAt := a.EndTime.Add(-time.Minute)
	got := p.Extend(a, bidAt)
	check.Equal(t, bidAt.Add(2*time.Minute), got)
	check.True(t, got.After(a.EndTime))
}

func TestExtend_CappedAtOriginalPlusCap(t *testing.T) {
	now := time.Now().UTC()
	a := activeAuction(now)
	p := DefaultPolicy()
	maxEnd := a.OriginalEndTime.Add(p.Cap)

	// endTime sudah dekat cap: kandidat now+step melewati maxEnd
	a.EndTime = maxEnd.Add(-30 * time.Second)
	a.CumulativeExtension = a.EndTime.Sub(a.OriginalEndTime)

	bidAt := a.EndTime.Add(-time.Minute)
	got := p.Extend(a, bidAt)
	check.Equal(t, maxEnd, got)
}

func TestExtend_NeverShrinks(t *testing.T) {
	now := time.Now().UTC()
	a := activeAuction(now)
	p := DefaultPolicy()
	maxEnd := a.OriginalEndTime.Add(p.Cap)

	// endTime sudah di cap dan now sudah melewati maxEnd
	a.EndTime = maxEnd
	got := p.Extend(a, maxEnd.Add(time.Minute))
	check.Equal(t, maxEnd, got)
	check.False(t, got.Before(a.EndTime))
}

func TestExtend_Idempotent(t *testing.T) {
	now := time.Now().UTC()
	a := activeAuction(now)
	p := DefaultPolicy()

	bidAt := a.EndTime.Add(-90 * time.Second)
	first := p.Extend(a, bidAt)
	second := p.Extend(a, bidAt)
	check.Equal(t, first, second)
}

func TestApplyBid_TracksCumulativeExtension(t *testing.T) {
	now := time.Now().UTC()
	a := activeAuction(now)
	p := DefaultPolicy()

	bidAt := a.EndTime.Add(-time.Minute)
	newEnd := p.Extend(a, bidAt)
	a.ApplyBid(Bid{ID: "b1", AuctionID: a.ID, BidderID: "u1", AmountCents: 10500, CreatedAt: bidAt}, newEnd)

	// bid 1m sebelum end, extend ke bidAt+2m = originalEnd+1m
	check.Equal(t, time.Minute, a.CumulativeExtension)
	check.Equal(t, a.OriginalEndTime.Add(a.CumulativeExtension), a.EndTime)
	check.True(t, a.CumulativeExtension <= p.Cap)
}
