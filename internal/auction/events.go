package auction

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventBidAccepted   = "BidAccepted"
	EventStatusChanged = "StatusChanged"
	EventHeartbeat     = "Heartbeat"
)

// Envelope v1. Event untuk satu auction totally ordered (urutan publish dari
// serialized section); antar auction tidak ada garansi.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	Origin       string          `json:"origin,omitempty"` // instance id, dipakai redis relay utk skip echo
	AuctionID    string          `json:"auction_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type BidAcceptedPayload struct {
	BidID         string    `json:"bid_id"`
	BidderID      string    `json:"bidder_id"`
	AmountCents   int64     `json:"amount_cents"`
	CreatedAt     time.Time `json:"created_at"`
	NewPriceCents int64     `json:"new_price_cents"`
	NewEndTime    time.Time `json:"new_end_time"`
}

type StatusChangedPayload struct {
	Status   Status `json:"status"`
	WinnerID string `json:"winner_id,omitempty"`
}

func NewBidAccepted(producer, origin string, a *Auction, b Bid) Envelope {
	return newEnvelope(EventBidAccepted, producer, origin, a.ID, mustMarshal(BidAcceptedPayload{
		BidID:         b.ID,
		BidderID:      b.BidderID,
		AmountCents:   b.AmountCents,
		CreatedAt:     b.CreatedAt,
		NewPriceCents: a.CurrentPriceCents,
		NewEndTime:    a.EndTime,
	}))
}

func NewStatusChanged(producer, origin string, a *Auction) Envelope {
	return newEnvelope(EventStatusChanged, producer, origin, a.ID, mustMarshal(StatusChangedPayload{
		Status:   a.Status,
		WinnerID: a.WinnerID,
	}))
}

func NewHeartbeat(producer, origin, auctionID string) Envelope {
	return newEnvelope(EventHeartbeat, producer, origin, auctionID, nil)
}

func newEnvelope(typ, producer, origin, auctionID string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    typ,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     producer,
		Origin:       origin,
		AuctionID:    auctionID,
		Payload:      payload,
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// UnwrapPayload memudahkan decode payload spesifik.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	err := json.Unmarshal(payload, &t)
	return t, err
}
