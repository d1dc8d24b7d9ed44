package redisx

import "time"

const (
	// Session token Identity Provider: session:{token} -> {"user_id":..,"role":..}
	KeySession = "session:%s"

	// Cache snapshot auction utk GET cepat: auction_snapshot:{auction_id}
	KeyAuctionSnapshot = "auction_snapshot:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLSnapshotCache = 2 * time.Second // pendek: harga bergerak cepat saat live
	TTLDedup         = 48 * time.Hour
)
