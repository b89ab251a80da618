// README: Owner-facing queries and cancellations for offers and requests.
package matching

import (
	"context"

	"carpool/internal/observability"
	"carpool/internal/types"
)

func (s *Service) ListOffersFor(ctx context.Context, driverID types.ID) ([]*Offer, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	return s.store.ListOffersByDriver(ctx, driverID)
}

func (s *Service) ListRequestsFor(ctx context.Context, passengerID types.ID) ([]*Request, error) {
	if passengerID == "" {
		return nil, ErrBadRequest
	}
	return s.store.ListRequestsByPassenger(ctx, passengerID)
}

// CancelOffer closes the driver's offer. Proposed matches are rejected and their passengers
// go back to matching. Approved matches stay approved; their passengers are told the ride is
// off and are re-queued as well.
func (s *Service) CancelOffer(ctx context.Context, offerID, driverID types.ID) (*OfferClosure, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	cl, err := s.store.CloseOffer(ctx, offerID, driverID, OfferCancelled, s.now())
	if err != nil {
		s.logIfBroken(ctx, err, "offer_id", offerID)
		return nil, err
	}
	s.routes.forget(ctx, offerID)
	s.logger.InfoContext(ctx, "offer cancelled", "offer_id", offerID,
		"released", len(cl.Released), "stranded", len(cl.Stranded))

	freed := make([]types.ID, 0, len(cl.Released)+len(cl.Stranded))
	for _, m := range cl.Released {
		observability.MatchResolutions.WithLabelValues(string(m.State)).Inc()
		s.send(ctx, rideCancelledToPassenger(m))
		freed = append(freed, m.RequestID)
	}
	for _, m := range cl.Stranded {
		s.send(ctx, rideCancelledToPassenger(m))
		freed = append(freed, m.RequestID)
	}
	s.requeue(ctx, freed...)
	return cl, nil
}

// CancelRequest closes the passenger's request. A proposed match gives its seat back. An
// approved match keeps the seat reserved and the driver is told the passenger left.
func (s *Service) CancelRequest(ctx context.Context, requestID, passengerID types.ID) (*RequestClosure, error) {
	if passengerID == "" {
		return nil, ErrBadRequest
	}
	cl, err := s.store.CloseRequest(ctx, requestID, passengerID, RequestCancelled, s.now())
	if err != nil {
		s.logIfBroken(ctx, err, "request_id", requestID)
		return nil, err
	}
	s.logger.InfoContext(ctx, "request cancelled", "request_id", requestID)

	if m := cl.Released; m != nil {
		observability.MatchResolutions.WithLabelValues(string(m.State)).Inc()
		s.send(ctx, passengerLeftToDriver(m))
		s.refill(ctx, m.OfferID)
	}
	if m := cl.Kept; m != nil {
		s.send(ctx, passengerLeftToDriver(m))
	}
	return cl, nil
}
