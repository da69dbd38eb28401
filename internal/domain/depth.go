package domain

import "time"

// DepthLevel is one aggregated price level of a depth ladder.
type DepthLevel struct {
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	OrderCount int     `json:"order_count"`
}

// DepthSnapshot is the bid/ask ladder for one outcome of one market,
// bids descending and asks ascending, truncated to the requested depth.
type DepthSnapshot struct {
	MarketID  string       `json:"market_id"`
	Outcome   int          `json:"outcome"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	BestBid   float64      `json:"best_bid"`
	BestAsk   float64      `json:"best_ask"`
	MidPrice  float64      `json:"mid_price"`
	Sequence  uint64       `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}
