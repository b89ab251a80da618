// README: In-process Store used for local runs and tests; one mutex stands in for the transaction.
package matching

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carpool/internal/types"
)

type MemStore struct {
	mu       sync.Mutex
	offers   map[types.ID]*Offer
	requests map[types.ID]*Request
	matches  map[types.ID]*Match
}

func NewMemStore() *MemStore {
	return &MemStore{
		offers:   make(map[types.ID]*Offer),
		requests: make(map[types.ID]*Request),
		matches:  make(map[types.ID]*Match),
	}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) CreateOffer(_ context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[o.ID]; ok {
		return fmt.Errorf("offer %s: %w", o.ID, ErrStateConflict)
	}
	s.offers[o.ID] = cloneOffer(o)
	return nil
}

func (s *MemStore) CreateRequest(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return fmt.Errorf("request %s: %w", r.ID, ErrStateConflict)
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *MemStore) GetOffer(_ context.Context, id types.ID) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOffer(o), nil
}

func (s *MemStore) GetRequest(_ context.Context, id types.ID) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) GetMatch(_ context.Context, id types.ID) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMatch(m), nil
}

func (s *MemStore) ListOpenOffers(_ context.Context, from, to time.Time) ([]*Offer, error) {
	return s.filterOffers(func(o *Offer) bool {
		return o.Status == OfferOpen && !o.DepartAt.Before(from) && !o.DepartAt.After(to)
	}), nil
}

func (s *MemStore) ListPendingRequests(_ context.Context, from, to time.Time) ([]*Request, error) {
	return s.filterRequests(func(r *Request) bool {
		return r.Status == RequestPending && !r.DesiredAt.Before(from) && !r.DesiredAt.After(to)
	}), nil
}

func (s *MemStore) ListOffersByDriver(_ context.Context, driverID types.ID) ([]*Offer, error) {
	return s.filterOffers(func(o *Offer) bool { return o.DriverID == driverID }), nil
}

func (s *MemStore) ListRequestsByPassenger(_ context.Context, passengerID types.ID) ([]*Request, error) {
	return s.filterRequests(func(r *Request) bool { return r.PassengerID == passengerID }), nil
}

func (s *MemStore) ListMatchesByOffer(_ context.Context, offerID types.ID) ([]*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchesWhere(func(m *Match) bool { return m.OfferID == offerID }), nil
}

func (s *MemStore) ListMatchesByRequest(_ context.Context, requestID types.ID) ([]*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchesWhere(func(m *Match) bool { return m.RequestID == requestID }), nil
}

func (s *MemStore) ListStaleOffers(_ context.Context, cutoff time.Time) ([]*Offer, error) {
	return s.filterOffers(func(o *Offer) bool {
		return (o.Status == OfferOpen || o.Status == OfferFull) && o.DepartAt.Before(cutoff)
	}), nil
}

func (s *MemStore) ListStaleRequests(_ context.Context, desiredCutoff, createdCutoff time.Time) ([]*Request, error) {
	return s.filterRequests(func(r *Request) bool {
		if r.Status != RequestPending && r.Status != RequestMatched {
			return false
		}
		return r.DesiredAt.Before(desiredCutoff) || r.CreatedAt.Before(createdCutoff)
	}), nil
}

func (s *MemStore) Reserve(_ context.Context, m *Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[m.RequestID]
	if !ok {
		return fmt.Errorf("request %s: %w", m.RequestID, ErrNotFound)
	}
	if r.Status != RequestPending {
		return ErrRequestUnavailable
	}
	o, ok := s.offers[m.OfferID]
	if !ok {
		return fmt.Errorf("offer %s: %w", m.OfferID, ErrNotFound)
	}
	if o.Status != OfferOpen || o.Reserved >= o.SeatCapacity {
		return ErrOfferUnavailable
	}
	if _, dup := s.matches[m.ID]; dup {
		return fmt.Errorf("match %s: %w", m.ID, ErrStateConflict)
	}

	o.Reserved++
	if o.Reserved == o.SeatCapacity {
		o.Status = OfferFull
	}
	o.UpdatedAt = m.CreatedAt
	r.Status = RequestMatched
	r.UpdatedAt = m.CreatedAt
	m.State = MatchProposed
	s.matches[m.ID] = cloneMatch(m)
	return nil
}

func (s *MemStore) Approve(_ context.Context, matchID types.ID, at time.Time) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.State != MatchProposed {
		return nil, ErrStateConflict
	}
	m.State = MatchApproved
	m.ResolvedAt = &at
	return cloneMatch(m), nil
}

func (s *MemStore) Release(_ context.Context, matchID types.ID, to MatchState, at time.Time) (*Match, error) {
	if to == MatchApproved || !CanTransition(MatchProposed, to) {
		return nil, fmt.Errorf("release to %s: %w", to, ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.State != MatchProposed {
		return nil, ErrStateConflict
	}
	if err := s.releaseLocked(m, to, at, true); err != nil {
		return nil, err
	}
	return cloneMatch(m), nil
}

func (s *MemStore) CloseOffer(_ context.Context, offerID, ownerID types.ID, to OfferStatus, at time.Time) (*OfferClosure, error) {
	if !to.Closed() {
		return nil, fmt.Errorf("close offer to %s: %w", to, ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return nil, ErrNotFound
	}
	if ownerID != "" && o.DriverID != ownerID {
		return nil, ErrForbidden
	}
	if o.Status != OfferOpen && o.Status != OfferFull {
		return nil, ErrOfferUnavailable
	}
	o.Status = to
	o.UpdatedAt = at
	o.ClosedAt = &at

	out := &OfferClosure{}
	for _, m := range s.matchesByOfferLocked(offerID) {
		switch {
		case m.State == MatchProposed:
			// The offer is closed, so only the counter and the request are restored.
			if err := s.releaseLocked(m, releasedState(to), at, false); err != nil {
				return nil, err
			}
			out.Released = append(out.Released, cloneMatch(m))
		case m.State == MatchApproved && to == OfferCancelled:
			if r := s.requests[m.RequestID]; r != nil && r.Status == RequestMatched {
				r.Status = RequestPending
				r.UpdatedAt = at
			}
			out.Stranded = append(out.Stranded, cloneMatch(m))
		}
	}
	out.Offer = cloneOffer(o)
	return out, nil
}

func (s *MemStore) CloseRequest(_ context.Context, requestID, ownerID types.ID, to RequestStatus, at time.Time) (*RequestClosure, error) {
	if !to.Closed() {
		return nil, fmt.Errorf("close request to %s: %w", to, ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if ownerID != "" && r.PassengerID != ownerID {
		return nil, ErrForbidden
	}
	if r.Status != RequestPending && r.Status != RequestMatched {
		return nil, ErrRequestUnavailable
	}
	r.Status = to
	r.UpdatedAt = at

	out := &RequestClosure{}
	for _, m := range s.matchesWhere(func(m *Match) bool { return m.RequestID == requestID }) {
		live := s.matches[m.ID]
		switch live.State {
		case MatchProposed:
			if err := s.releaseLocked(live, releasedStateForRequest(to), at, true); err != nil {
				return nil, err
			}
			out.Released = cloneMatch(live)
		case MatchApproved:
			if o := s.offers[live.OfferID]; o != nil && !o.Status.Closed() {
				out.Kept = cloneMatch(live)
			}
		}
	}
	out.Request = &Request{}
	*out.Request = *r
	return out, nil
}

// releaseLocked ends a proposed match and returns its seat. reopen lets a full offer take
// passengers again; it is false when the offer itself is being closed.
func (s *MemStore) releaseLocked(m *Match, to MatchState, at time.Time, reopen bool) error {
	o := s.offers[m.OfferID]
	if o == nil || o.Reserved <= 0 {
		return fmt.Errorf("offer %s seat counter underflow: %w", m.OfferID, ErrInvariantViolation)
	}
	o.Reserved--
	if reopen && o.Status == OfferFull {
		o.Status = OfferOpen
	}
	o.UpdatedAt = at
	if r := s.requests[m.RequestID]; r != nil && r.Status == RequestMatched {
		r.Status = RequestPending
		r.UpdatedAt = at
	}
	m.State = to
	m.ResolvedAt = &at
	return nil
}

func (s *MemStore) filterOffers(keep func(*Offer) bool) []*Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Offer
	for _, o := range s.offers {
		if keep(o) {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DepartAt.Equal(out[j].DepartAt) {
			return out[i].DepartAt.Before(out[j].DepartAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemStore) filterRequests(keep func(*Request) bool) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.requests {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DesiredAt.Equal(out[j].DesiredAt) {
			return out[i].DesiredAt.Before(out[j].DesiredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemStore) matchesByOfferLocked(offerID types.ID) []*Match {
	var out []*Match
	for _, m := range s.matches {
		if m.OfferID == offerID {
			out = append(out, m)
		}
	}
	sortMatches(out)
	return out
}

// matchesWhere returns copies; callers holding the lock look live rows up by ID.
func (s *MemStore) matchesWhere(keep func(*Match) bool) []*Match {
	var out []*Match
	for _, m := range s.matches {
		if keep(m) {
			out = append(out, cloneMatch(m))
		}
	}
	sortMatches(out)
	return out
}

func sortMatches(ms []*Match) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

func cloneOffer(o *Offer) *Offer {
	cp := *o
	cp.Waypoints = append([]types.Point(nil), o.Waypoints...)
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func cloneMatch(m *Match) *Match {
	cp := *m
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
