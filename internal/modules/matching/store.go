// README: Persistence contract consumed by the matching engine.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carpool/internal/types"
)

// Store persists offers, requests and matches. Implementations must make Reserve, Approve,
// Release, CloseOffer and CloseRequest all-or-nothing, and must guard every transition with
// a conditional update on the current state rather than a read followed by a write.
type Store interface {
	CreateOffer(ctx context.Context, o *Offer) error
	CreateRequest(ctx context.Context, r *Request) error

	GetOffer(ctx context.Context, id types.ID) (*Offer, error)
	GetRequest(ctx context.Context, id types.ID) (*Request, error)
	GetMatch(ctx context.Context, id types.ID) (*Match, error)

	// ListOpenOffers returns open offers departing within [from, to].
	ListOpenOffers(ctx context.Context, from, to time.Time) ([]*Offer, error)
	// ListPendingRequests returns pending requests desired within [from, to].
	ListPendingRequests(ctx context.Context, from, to time.Time) ([]*Request, error)
	ListOffersByDriver(ctx context.Context, driverID types.ID) ([]*Offer, error)
	ListRequestsByPassenger(ctx context.Context, passengerID types.ID) ([]*Request, error)
	ListMatchesByOffer(ctx context.Context, offerID types.ID) ([]*Match, error)
	ListMatchesByRequest(ctx context.Context, requestID types.ID) ([]*Match, error)

	// ListStaleOffers returns open or full offers departing before cutoff.
	ListStaleOffers(ctx context.Context, cutoff time.Time) ([]*Offer, error)
	// ListStaleRequests returns pending or matched requests desired before desiredCutoff or
	// created before createdCutoff.
	ListStaleRequests(ctx context.Context, desiredCutoff, createdCutoff time.Time) ([]*Request, error)

	// Reserve claims one seat of m.OfferID for m.RequestID and inserts m as proposed.
	// The request must be pending (else ErrRequestUnavailable) and the offer open with
	// reserved < seat_capacity (else ErrOfferUnavailable).
	Reserve(ctx context.Context, m *Match) error
	// Approve moves a proposed match to approved. The seat stays consumed.
	Approve(ctx context.Context, matchID types.ID, at time.Time) (*Match, error)
	// Release moves a proposed match to rejected or expired, gives the seat back and returns
	// the request to pending if it is still matched.
	Release(ctx context.Context, matchID types.ID, to MatchState, at time.Time) (*Match, error)
	// CloseOffer moves an open or full offer to cancelled or expired. Proposed matches are
	// released (rejected on cancel, expired on expiry). On cancel, requests of approved
	// matches return to pending. ownerID is checked when non-empty.
	CloseOffer(ctx context.Context, offerID, ownerID types.ID, to OfferStatus, at time.Time) (*OfferClosure, error)
	// CloseRequest moves a pending or matched request to cancelled or expired, releasing a
	// proposed match. ownerID is checked when non-empty.
	CloseRequest(ctx context.Context, requestID, ownerID types.ID, to RequestStatus, at time.Time) (*RequestClosure, error)
}

// releasedState maps a closing status onto the state its proposed matches take.
func releasedState(offerTo OfferStatus) MatchState {
	if offerTo == OfferExpired {
		return MatchExpired
	}
	return MatchRejected
}

func releasedStateForRequest(to RequestStatus) MatchState {
	if to == RequestExpired {
		return MatchExpired
	}
	return MatchRejected
}

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeWaypoints(ws []types.Point) (string, error) {
	if ws == nil {
		ws = []types.Point{}
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return "", fmt.Errorf("encode waypoints: %w", err)
	}
	return string(b), nil
}

func decodeWaypoints(raw []byte) ([]types.Point, error) {
	var ws []types.Point
	if len(raw) == 0 {
		return ws, nil
	}
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode waypoints: %w", err)
	}
	return ws, nil
}
