package auction

// Event types pushed to subscribers. The names double as the wire message
// types of the auction push channel.
const (
	EventNewSingleAuction          = "new_single_auction"
	EventNewSegmentedAuction       = "new_segmented_auction"
	EventSingleAuctionUpdate       = "single_auction_update"
	EventSegmentUpdate             = "segment_update"
	EventSingleAuctionCompleted    = "single_auction_completed"
	EventSegmentEnded              = "segment_ended"
	EventSegmentedAuctionCompleted = "segmented_auction_completed"
)

// Event is a broadcast from the engine: a new auction, a price update, or a
// terminal transition. SegmentID is meaningful only for segmented auctions.
// Progress is the fraction of segments that reached a terminal state.
type Event struct {
	Type      string  `json:"type"`
	OrderID   string  `json:"orderId"`
	SegmentID int     `json:"segmentId,omitempty"`
	Amount    uint64  `json:"amount,omitempty"`
	Price     float64 `json:"price,omitempty"`
	Winner    string  `json:"winner,omitempty"`
	Status    string  `json:"status,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
}
