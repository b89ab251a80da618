// README: Lifecycle sweeper expiring stale offers and requests on a ticker.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"carpool/internal/config"
	"carpool/internal/observability"
	"carpool/internal/types"
)

type SweepResult struct {
	OffersExpired   int `json:"offers_expired"`
	RequestsExpired int `json:"requests_expired"`
	MatchesExpired  int `json:"matches_expired"`
	// Requeued counts freed requests that the forward scan matched again.
	Requeued int `json:"requeued"`
}

// Sweep expires offers past departure plus grace and requests past their desired time plus
// grace or older than the retention. Their proposed matches expire and give seats back.
// Approved matches are never touched. Entities closed concurrently are skipped.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error
	now := s.now()

	offers, err := s.store.ListStaleOffers(ctx, now.Add(-s.life.Grace))
	if err != nil {
		return res, err
	}
	var freed []types.ID
	for _, o := range offers {
		cl, err := s.store.CloseOffer(ctx, o.ID, "", OfferExpired, now)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			s.logIfBroken(ctx, err, "offer_id", o.ID)
			errs = append(errs, err)
			continue
		}
		s.routes.forget(ctx, o.ID)
		res.OffersExpired++
		observability.SweptEntities.WithLabelValues("offer").Inc()
		for _, m := range cl.Released {
			res.MatchesExpired++
			observability.SweptEntities.WithLabelValues("match").Inc()
			s.send(ctx, expiredToUser(m.PassengerID, m))
			freed = append(freed, m.RequestID)
		}
	}

	reqs, err := s.store.ListStaleRequests(ctx, now.Add(-s.life.Grace), now.Add(-s.life.RequestRetention))
	if err != nil {
		return res, errors.Join(append(errs, err)...)
	}
	for _, r := range reqs {
		cl, err := s.store.CloseRequest(ctx, r.ID, "", RequestExpired, now)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			s.logIfBroken(ctx, err, "request_id", r.ID)
			errs = append(errs, err)
			continue
		}
		res.RequestsExpired++
		observability.SweptEntities.WithLabelValues("request").Inc()
		if m := cl.Released; m != nil {
			res.MatchesExpired++
			observability.SweptEntities.WithLabelValues("match").Inc()
			s.send(ctx, expiredToUser(m.DriverID, m))
			s.refill(ctx, m.OfferID)
		}
	}

	// Requests freed by an expired offer that are themselves stale were closed above;
	// MatchRequest skips anything no longer pending.
	if s.cfg.RequeueOnRelease {
		res.Requeued = s.requeue(ctx, freed...)
	}
	return res, errors.Join(errs...)
}

// Sweeper runs Sweep every SweepInterval. With a Locker only the replica holding the lease
// sweeps on a given tick; sweeping on several replicas at once is still safe.
type Sweeper struct {
	svc    *Service
	cfg    config.LifecycleConfig
	locker Locker
	logger *slog.Logger
}

func NewSweeper(svc *Service, cfg config.LifecycleConfig, locker Locker) *Sweeper {
	return &Sweeper{svc: svc, cfg: cfg, locker: locker, logger: svc.logger.With("component", "sweeper")}
}

func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Sweeper) tick(ctx context.Context) {
	if w.locker != nil {
		ok, err := w.locker.TryLock(ctx, "sweeper", w.cfg.LockTTL)
		if err != nil {
			w.logger.WarnContext(ctx, "sweeper lock unavailable, sweeping anyway", "error", err)
		} else if !ok {
			return
		}
	}
	res, err := w.svc.Sweep(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "sweep failed", "error", err)
	}
	if res != (SweepResult{}) {
		w.logger.InfoContext(ctx, "sweep done",
			"offers_expired", res.OffersExpired,
			"requests_expired", res.RequestsExpired,
			"matches_expired", res.MatchesExpired,
			"requeued", res.Requeued)
	}
}
