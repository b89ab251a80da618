// README: Offer, request and match aggregates with their status flows.
package matching

import (
	"time"

	"carpool/internal/types"
)

type OfferStatus string

const (
	OfferOpen      OfferStatus = "open"
	OfferFull      OfferStatus = "full"
	OfferCancelled OfferStatus = "cancelled"
	OfferExpired   OfferStatus = "expired"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestMatched   RequestStatus = "matched"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

type MatchState string

const (
	MatchProposed MatchState = "proposed"
	MatchApproved MatchState = "approved"
	MatchRejected MatchState = "rejected"
	MatchExpired  MatchState = "expired"
)

// Offer is a driver's trip toward the destination.
type Offer struct {
	ID           types.ID      `json:"id"`
	DriverID     types.ID      `json:"driver_id"`
	Origin       types.Point   `json:"origin"`
	Waypoints    []types.Point `json:"waypoints"`
	DepartAt     time.Time     `json:"depart_at"`
	SeatCapacity int           `json:"seat_capacity"`
	// Reserved counts proposed and approved matches holding a seat.
	Reserved  int         `json:"reserved"`
	Status    OfferStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	ClosedAt  *time.Time  `json:"closed_at,omitempty"`
}

func (o *Offer) SeatsLeft() int {
	return o.SeatCapacity - o.Reserved
}

// Request is a passenger's wish to reach the destination around DesiredAt.
type Request struct {
	ID          types.ID      `json:"id"`
	PassengerID types.ID      `json:"passenger_id"`
	Origin      types.Point   `json:"origin"`
	DesiredAt   time.Time     `json:"desired_at"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Match pairs one offer with one request. DriverID and PassengerID are copied from the
// referenced entities at creation time.
type Match struct {
	ID          types.ID   `json:"id"`
	OfferID     types.ID   `json:"offer_id"`
	RequestID   types.ID   `json:"request_id"`
	DriverID    types.ID   `json:"driver_id"`
	PassengerID types.ID   `json:"passenger_id"`
	State       MatchState `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// AllowedTransitions represents the match state flow as code. Approved, rejected and
// expired are terminal.
var AllowedTransitions = map[MatchState][]MatchState{
	MatchProposed: {MatchApproved, MatchRejected, MatchExpired},
}

func CanTransition(from, to MatchState) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s MatchState) Terminal() bool {
	return len(AllowedTransitions[s]) == 0
}

func (s OfferStatus) Closed() bool {
	return s == OfferCancelled || s == OfferExpired
}

func (s RequestStatus) Closed() bool {
	return s == RequestCancelled || s == RequestExpired
}

// Decision is the driver's answer to a proposed match.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// OfferClosure is what closing an offer did to its matches.
type OfferClosure struct {
	Offer *Offer
	// Released were proposed and are now rejected or expired; their requests are pending again.
	Released []*Match
	// Stranded are approved matches whose passengers lost their ride on cancellation.
	// Their requests are pending again; the matches themselves stay approved.
	Stranded []*Match
}

// RequestClosure is what closing a request did to its matches.
type RequestClosure struct {
	Request *Request
	// Released is the proposed match that gave its seat back, if any.
	Released *Match
	// Kept is an approved match whose seat stays consumed, if any.
	Kept *Match
}
