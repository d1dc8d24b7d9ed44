package auction

import "time"

// Admit memvalidasi bid terhadap snapshot ledger yang dipegang saat masuk
// serialized section (bukan saat request diterima di HTTP layer). Urutan check
// fixed, first failure wins. Tidak ada side effect apapun di sini.
func Admit(a *Auction, bidderID string, amountCents int64, now time.Time) *Rejection {
	if bidderID == "" {
		return &Rejection{Reason: ReasonAuthRequired}
	}
	if bidderID == a.SellerID {
		return &Rejection{Reason: ReasonOwnAuction}
	}
	if a.Status != StatusActive {
		return &Rejection{Reason: ReasonNotActive}
	}
	// Deadline dicek terhadap snapshot; extension dari bid concurrent yang sudah
	// ter-apply otomatis terlihat di sini.
	if now.After(a.EndTime) {
		return &Rejection{Reason: ReasonEnded}
	}
	if min := a.MinNextBidCents(); amountCents < min {
		return &Rejection{Reason: ReasonTooLow, MinBidCents: min}
	}
	return nil
}
