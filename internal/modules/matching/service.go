// README: Matching engine: forward and reverse scans, capacity reservation and driver decisions.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"carpool/internal/config"
	"carpool/internal/modules/location"
	"carpool/internal/modules/notify"
	"carpool/internal/observability"
	"carpool/internal/types"
)

// Deps wires the engine. Routes, PathCache and Notifier are optional: without Routes every
// proximity check runs degraded, without Notifier events are dropped.
type Deps struct {
	Store       Store
	Routes      RouteProvider
	PathCache   PathCache
	Notifier    notify.Notifier
	Logger      *slog.Logger
	Destination types.Point
	Location    *time.Location
	Matching    config.MatchingConfig
	Lifecycle   config.LifecycleConfig
	Now         func() time.Time
}

type Service struct {
	store     Store
	routes    *routeCache
	proximity *location.Evaluator
	notifier  notify.Notifier
	logger    *slog.Logger
	loc       *time.Location
	cfg       config.MatchingConfig
	life      config.LifecycleConfig
	now       func() time.Time
}

func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "matching")
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	return &Service{
		store:     d.Store,
		routes:    newRouteCache(d.Routes, d.PathCache, d.Destination, d.Matching.RouteTimeout, logger),
		proximity: location.NewEvaluator(d.Destination, d.Matching),
		notifier:  d.Notifier,
		logger:    logger,
		loc:       loc,
		cfg:       d.Matching,
		life:      d.Lifecycle,
		now:       now,
	}
}

// errRouteTimeout marks a candidate whose geometry did not arrive within RouteTimeout.
var errRouteTimeout = errors.New("route lookup timed out")

type CreateOfferCommand struct {
	DriverID     types.ID
	Origin       types.Point
	Waypoints    []types.Point
	DepartAt     time.Time
	SeatCapacity int
}

type CreateRequestCommand struct {
	PassengerID types.ID
	Origin      types.Point
	DesiredAt   time.Time
}

type ResolveCommand struct {
	MatchID  types.ID
	DriverID types.ID
	Decision Decision
}

// CreateOffer stores the offer and immediately runs the reverse scan. The returned offer
// reflects the seats reserved by that scan.
func (s *Service) CreateOffer(ctx context.Context, cmd CreateOfferCommand) (*Offer, []*Match, error) {
	if cmd.DriverID == "" || !cmd.Origin.Valid() || cmd.SeatCapacity < 1 || cmd.DepartAt.IsZero() {
		return nil, nil, ErrBadRequest
	}
	for _, w := range cmd.Waypoints {
		if !w.Valid() {
			return nil, nil, fmt.Errorf("waypoint %v: %w", w, ErrBadRequest)
		}
	}
	now := s.now()
	if now.After(cmd.DepartAt.Add(s.life.Grace)) {
		return nil, nil, fmt.Errorf("departure already passed: %w", ErrBadRequest)
	}

	o := &Offer{
		ID:           types.NewID(),
		DriverID:     cmd.DriverID,
		Origin:       cmd.Origin,
		Waypoints:    cmd.Waypoints,
		DepartAt:     cmd.DepartAt,
		SeatCapacity: cmd.SeatCapacity,
		Status:       OfferOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateOffer(ctx, o); err != nil {
		return nil, nil, err
	}
	s.logger.InfoContext(ctx, "offer created", "offer_id", o.ID, "driver_id", o.DriverID, "seats", o.SeatCapacity)

	matches, err := s.MatchOffer(ctx, o.ID)
	if err != nil && !errors.Is(err, ErrNoCandidate) && !errors.Is(err, ErrOfferUnavailable) {
		return nil, nil, err
	}
	fresh, err := s.store.GetOffer(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}
	return fresh, matches, nil
}

// CreateRequest stores the request and immediately runs the forward scan. A nil match with
// a nil error means no driver fits yet; the request stays pending.
func (s *Service) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (*Request, *Match, error) {
	if cmd.PassengerID == "" || !cmd.Origin.Valid() || cmd.DesiredAt.IsZero() {
		return nil, nil, ErrBadRequest
	}
	now := s.now()
	if now.After(cmd.DesiredAt.Add(s.life.Grace)) {
		return nil, nil, fmt.Errorf("desired time already passed: %w", ErrBadRequest)
	}

	r := &Request{
		ID:          types.NewID(),
		PassengerID: cmd.PassengerID,
		Origin:      cmd.Origin,
		DesiredAt:   cmd.DesiredAt,
		Status:      RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, nil, err
	}
	s.logger.InfoContext(ctx, "request created", "request_id", r.ID, "passenger_id", r.PassengerID)

	m, err := s.MatchRequest(ctx, r.ID)
	if err != nil && !errors.Is(err, ErrNoCandidate) {
		return nil, nil, err
	}
	fresh, err := s.store.GetRequest(ctx, r.ID)
	if err != nil {
		return nil, nil, err
	}
	return fresh, m, nil
}

// MatchRequest is the forward scan: it reserves a seat on the best open offer for a pending
// request. Candidates are ordered by departure distance to the desired time, then offer id.
func (s *Service) MatchRequest(ctx context.Context, requestID types.ID) (*Match, error) {
	started := time.Now()
	m, err := s.matchRequest(ctx, requestID)
	observability.MatchLatency.WithLabelValues("request").Observe(time.Since(started).Seconds())
	observability.MatchAttempts.WithLabelValues("request", outcomeOf(err)).Inc()
	return m, err
}

func (s *Service) matchRequest(ctx context.Context, requestID types.ID) (*Match, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if r.Status != RequestPending || s.requestStale(r, now) {
		return nil, ErrRequestUnavailable
	}

	offers, err := s.store.ListOpenOffers(ctx, r.DesiredAt.Add(-s.cfg.TimeWindow), r.DesiredAt.Add(s.cfg.TimeWindow))
	if err != nil {
		return nil, err
	}
	rejected, err := s.rejectedOffers(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	candidates := offers[:0]
	for _, o := range offers {
		if o.DriverID == r.PassengerID || rejected[o.ID] || s.offerStale(o, now) {
			continue
		}
		if absDuration(o.DepartAt.Sub(r.DesiredAt)) > s.cfg.TimeWindow {
			continue
		}
		candidates = append(candidates, o)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		di := absDuration(candidates[i].DepartAt.Sub(r.DesiredAt))
		dj := absDuration(candidates[j].DepartAt.Sub(r.DesiredAt))
		if di != dj {
			return di < dj
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, o := range candidates {
		ok, err := s.near(ctx, r.Origin, o)
		if errors.Is(err, errRouteTimeout) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m := newMatch(o, r, now)
		err = s.store.Reserve(ctx, m)
		switch {
		case err == nil:
			s.logger.InfoContext(ctx, "match proposed", "match_id", m.ID, "offer_id", o.ID, "request_id", r.ID, "direction", "request")
			s.announce(ctx, m, o, r)
			return m, nil
		case errors.Is(err, ErrOfferUnavailable):
			observability.ReserveConflicts.WithLabelValues("offer").Inc()
			continue
		case errors.Is(err, ErrRequestUnavailable):
			observability.ReserveConflicts.WithLabelValues("request").Inc()
			return nil, err
		default:
			return nil, err
		}
	}
	return nil, ErrNoCandidate
}

// MatchOffer is the reverse scan: it fills the offer's free seats from pending requests,
// ordered by desired-time distance to the departure, then request id. A route timeout
// stops the scan with ErrOfferUnavailable instead of skipping to the next request, since
// all requests share the offer's path.
func (s *Service) MatchOffer(ctx context.Context, offerID types.ID) ([]*Match, error) {
	started := time.Now()
	ms, err := s.matchOffer(ctx, offerID)
	observability.MatchLatency.WithLabelValues("offer").Observe(time.Since(started).Seconds())
	observability.MatchAttempts.WithLabelValues("offer", outcomeOf(err)).Inc()
	return ms, err
}

func (s *Service) matchOffer(ctx context.Context, offerID types.ID) ([]*Match, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if o.Status != OfferOpen || s.offerStale(o, now) {
		return nil, ErrOfferUnavailable
	}

	reqs, err := s.store.ListPendingRequests(ctx, o.DepartAt.Add(-s.cfg.TimeWindow), o.DepartAt.Add(s.cfg.TimeWindow))
	if err != nil {
		return nil, err
	}
	rejected, err := s.rejectedRequests(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	candidates := reqs[:0]
	for _, r := range reqs {
		if r.PassengerID == o.DriverID || rejected[r.ID] || s.requestStale(r, now) {
			continue
		}
		if absDuration(r.DesiredAt.Sub(o.DepartAt)) > s.cfg.TimeWindow {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		di := absDuration(candidates[i].DesiredAt.Sub(o.DepartAt))
		dj := absDuration(candidates[j].DesiredAt.Sub(o.DepartAt))
		if di != dj {
			return di < dj
		}
		return candidates[i].ID < candidates[j].ID
	})

	var out []*Match
scan:
	for _, r := range candidates {
		if len(out) >= o.SeatsLeft() {
			break
		}
		ok, err := s.near(ctx, r.Origin, o)
		if errors.Is(err, errRouteTimeout) {
			// Unlike the forward scan, which moves on to the next offer, a timeout here ends
			// the scan: every candidate is measured against this one offer's path, so none
			// could be evaluated. Seats stay open for the next scan.
			return out, fmt.Errorf("%w: %w", errRouteTimeout, ErrOfferUnavailable)
		}
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		m := newMatch(o, r, now)
		err = s.store.Reserve(ctx, m)
		switch {
		case err == nil:
			s.logger.InfoContext(ctx, "match proposed", "match_id", m.ID, "offer_id", o.ID, "request_id", r.ID, "direction", "offer")
			s.announce(ctx, m, o, r)
			out = append(out, m)
		case errors.Is(err, ErrRequestUnavailable):
			observability.ReserveConflicts.WithLabelValues("request").Inc()
			continue
		case errors.Is(err, ErrOfferUnavailable):
			observability.ReserveConflicts.WithLabelValues("offer").Inc()
			break scan
		default:
			return out, err
		}
	}
	if len(out) == 0 {
		return nil, ErrNoCandidate
	}
	return out, nil
}

// ResolveMatch applies the driver's decision to a proposed match. A match that already
// left proposed yields ErrStateConflict, so a repeated decision never releases twice.
func (s *Service) ResolveMatch(ctx context.Context, cmd ResolveCommand) (*Match, error) {
	if cmd.Decision != DecisionApprove && cmd.Decision != DecisionReject {
		return nil, fmt.Errorf("decision %q: %w", cmd.Decision, ErrBadRequest)
	}
	m, err := s.store.GetMatch(ctx, cmd.MatchID)
	if err != nil {
		return nil, err
	}
	if m.DriverID != cmd.DriverID {
		return nil, ErrForbidden
	}
	if m.State.Terminal() {
		return nil, ErrStateConflict
	}

	now := s.now()
	if cmd.Decision == DecisionApprove {
		updated, err := s.store.Approve(ctx, m.ID, now)
		if err != nil {
			return nil, err
		}
		observability.MatchResolutions.WithLabelValues(string(MatchApproved)).Inc()
		s.logger.InfoContext(ctx, "match approved", "match_id", m.ID)
		for _, n := range contactExchange(updated) {
			s.send(ctx, n)
		}
		return updated, nil
	}

	updated, err := s.store.Release(ctx, m.ID, MatchRejected, now)
	if err != nil {
		s.logIfBroken(ctx, err, "match_id", m.ID)
		return nil, err
	}
	observability.MatchResolutions.WithLabelValues(string(MatchRejected)).Inc()
	s.logger.InfoContext(ctx, "match rejected", "match_id", m.ID)
	s.send(ctx, rejectedToPassenger(updated))
	s.requeue(ctx, updated.RequestID)
	s.refill(ctx, updated.OfferID)
	return updated, nil
}

// GetMatch returns a match visible to userID, its driver or its passenger.
func (s *Service) GetMatch(ctx context.Context, id, userID types.ID) (*Match, error) {
	m, err := s.store.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && m.DriverID != userID && m.PassengerID != userID {
		return nil, ErrForbidden
	}
	return m, nil
}

func (s *Service) ListMatchesForOffer(ctx context.Context, offerID, driverID types.ID) ([]*Match, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.DriverID != driverID {
		return nil, ErrForbidden
	}
	return s.store.ListMatchesByOffer(ctx, offerID)
}

func (s *Service) ListMatchesForRequest(ctx context.Context, requestID, passengerID types.ID) ([]*Match, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.PassengerID != passengerID {
		return nil, ErrForbidden
	}
	return s.store.ListMatchesByRequest(ctx, requestID)
}

// near runs the proximity rule for p against o. A route timeout returns errRouteTimeout;
// any other provider failure falls back to the degraded rule.
func (s *Service) near(ctx context.Context, p types.Point, o *Offer) (bool, error) {
	path, err := s.routes.path(ctx, o)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.WarnContext(ctx, "route lookup timed out, skipping offer", "offer_id", o.ID)
			return false, errRouteTimeout
		}
		s.logger.DebugContext(ctx, "route unavailable, using degraded proximity", "offer_id", o.ID, "error", err)
		path = nil
	}
	ok, _ := s.proximity.Near(p, o.Origin, path)
	return ok, nil
}

func (s *Service) rejectedOffers(ctx context.Context, requestID types.ID) (map[types.ID]bool, error) {
	ms, err := s.store.ListMatchesByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]bool)
	for _, m := range ms {
		if m.State == MatchRejected {
			out[m.OfferID] = true
		}
	}
	return out, nil
}

func (s *Service) rejectedRequests(ctx context.Context, offerID types.ID) (map[types.ID]bool, error) {
	ms, err := s.store.ListMatchesByOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]bool)
	for _, m := range ms {
		if m.State == MatchRejected {
			out[m.RequestID] = true
		}
	}
	return out, nil
}

func (s *Service) offerStale(o *Offer, now time.Time) bool {
	return now.After(o.DepartAt.Add(s.life.Grace))
}

func (s *Service) requestStale(r *Request, now time.Time) bool {
	return now.After(r.DesiredAt.Add(s.life.Grace)) || now.Sub(r.CreatedAt) > s.life.RequestRetention
}

// requeue runs the forward scan again for requests that lost their seat and reports how
// many of them were matched again.
func (s *Service) requeue(ctx context.Context, requestIDs ...types.ID) int {
	if !s.cfg.RequeueOnRelease {
		return 0
	}
	matched := 0
	for _, id := range requestIDs {
		m, err := s.MatchRequest(ctx, id)
		switch {
		case err == nil && m != nil:
			matched++
		case err != nil && !errors.Is(err, ErrNoCandidate) && !errors.Is(err, ErrStateConflict):
			s.logger.WarnContext(ctx, "requeue failed", "request_id", id, "error", err)
		}
	}
	return matched
}

// refill offers a freed seat to pending requests.
func (s *Service) refill(ctx context.Context, offerID types.ID) {
	if !s.cfg.RequeueOnRelease {
		return
	}
	if _, err := s.MatchOffer(ctx, offerID); err != nil && !errors.Is(err, ErrNoCandidate) && !errors.Is(err, ErrStateConflict) {
		s.logger.WarnContext(ctx, "refill failed", "offer_id", offerID, "error", err)
	}
}

func (s *Service) announce(ctx context.Context, m *Match, o *Offer, r *Request) {
	s.send(ctx, proposedToDriver(m, r, s.loc))
	s.send(ctx, waitingToPassenger(m, o, s.loc))
}

// notifyTimeout bounds one delivery once it is detached from the caller.
const notifyTimeout = 5 * time.Second

// send delivers after the store transaction has committed. Failures never undo state.
// Delivery outlives a cancelled caller: the committed match still needs its messages.
func (s *Service) send(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(sendCtx, n); err != nil {
		s.logger.WarnContext(ctx, "notification failed", "user_id", n.UserID, "kind", string(n.Kind), "error", err)
	}
}

func (s *Service) logIfBroken(ctx context.Context, err error, args ...any) {
	if errors.Is(err, ErrInvariantViolation) {
		s.logger.ErrorContext(ctx, "storage invariant violated", append(args, "error", err)...)
	}
}

func newMatch(o *Offer, r *Request, at time.Time) *Match {
	return &Match{
		ID:          types.NewID(),
		OfferID:     o.ID,
		RequestID:   r.ID,
		DriverID:    o.DriverID,
		PassengerID: r.PassengerID,
		State:       MatchProposed,
		CreatedAt:   at,
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "matched"
	case errors.Is(err, ErrNoCandidate):
		return "no_candidate"
	case errors.Is(err, ErrStateConflict):
		return "unavailable"
	default:
		return "error"
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
