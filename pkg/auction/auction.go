package auction

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownAuction = errors.New("unknown auction")
	ErrNotActive      = errors.New("auction is not active")
	ErrConflict       = errors.New("auction already has a winner")
	ErrEmptyResolver  = errors.New("resolver identity is required")
)

// Status of an auction or of a single segment.
type Status int

const (
	StatusActive Status = iota
	StatusCompleted
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// PriceAt computes the linearly decaying price after `elapsed` time:
// startPrice at t=0, minPrice at t>=duration, non-increasing in between.
func PriceAt(startPrice, minPrice float64, elapsed, duration time.Duration) float64 {
	if duration <= 0 || elapsed >= duration {
		return minPrice
	}
	if elapsed < 0 {
		elapsed = 0
	}
	frac := float64(elapsed) / float64(duration)
	return startPrice - (startPrice-minPrice)*frac
}

// Params describe one decaying price curve.
type Params struct {
	OrderID    string
	StartPrice float64
	MinPrice   float64
	Duration   time.Duration
}

func (p Params) validate() error {
	if p.OrderID == "" {
		return errors.New("order id is required")
	}
	if p.StartPrice < p.MinPrice {
		return fmt.Errorf("start price %f below minimum price %f", p.StartPrice, p.MinPrice)
	}
	if p.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	return nil
}

// SegmentSpec describes one independently auctioned slice of a partial-fill
// order. A zero Duration or prices inherit the parent params.
type SegmentSpec struct {
	ID         int
	Amount     uint64
	StartPrice float64
	MinPrice   float64
	Duration   time.Duration
}

// Result reports an accepted confirmation.
type Result struct {
	OrderID       string
	SegmentID     int
	Winner        string
	ClearingPrice float64
}

type segmentState struct {
	spec      SegmentSpec
	status    Status
	winner    string
	clearing  float64
	startedAt time.Time
}

type auctionState struct {
	params    Params
	segmented bool
	segments  map[int]*segmentState
	status    Status
	winner    string
	clearing  float64
	startedAt time.Time
}

func (a *auctionState) segmentsDone() (completed, terminal int) {
	for _, seg := range a.segments {
		switch seg.status {
		case StatusCompleted:
			completed++
			terminal++
		case StatusExpired:
			terminal++
		}
	}
	return completed, terminal
}
