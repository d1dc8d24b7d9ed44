package auction

const (
	TopicBidAccepted = "auction.bid.accepted"
	TopicEnded       = "auction.ended"
	TopicSold        = "auction.sold"
)

// Partition key = auction_id, supaya semua event 1 auction maintain urutan.
func PartitionKey(auctionID string) []byte { return []byte(auctionID) }
