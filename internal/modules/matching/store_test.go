package matching

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpool/internal/types"
)

var base = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

type namedStore struct {
	name string
	open func(t *testing.T) Store
}

func stores() []namedStore {
	return []namedStore{
		{"memory", func(t *testing.T) Store { return NewMemStore() }},
		{"sqlite", openTestSQLite},
		{"postgres", openTestPG},
	}
}

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "carpool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openTestPG(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("CARPOOL_TEST_DSN")
	if dsn == "" {
		t.Skip("CARPOOL_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	s := NewPGStore(pool)
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE matches, requests, offers`)
	require.NoError(t, err)
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, ns := range stores() {
		t.Run(ns.name, func(t *testing.T) {
			fn(t, ns.open(t))
		})
	}
}

func seedOffer(t *testing.T, s Store, driver types.ID, departAt time.Time, seats int) *Offer {
	t.Helper()
	o := &Offer{
		ID:           types.NewID(),
		DriverID:     driver,
		Origin:       types.Point{Lat: 55.75, Lng: 37.60},
		Waypoints:    []types.Point{{Lat: 55.76, Lng: 37.62}},
		DepartAt:     departAt,
		SeatCapacity: seats,
		Status:       OfferOpen,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	require.NoError(t, s.CreateOffer(context.Background(), o))
	return o
}

func seedRequest(t *testing.T, s Store, passenger types.ID, desiredAt time.Time) *Request {
	t.Helper()
	r := &Request{
		ID:          types.NewID(),
		PassengerID: passenger,
		Origin:      types.Point{Lat: 55.751, Lng: 37.61},
		DesiredAt:   desiredAt,
		Status:      RequestPending,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
	require.NoError(t, s.CreateRequest(context.Background(), r))
	return r
}

func reserve(t *testing.T, s Store, o *Offer, r *Request) (*Match, error) {
	t.Helper()
	m := newMatch(o, r, base.Add(time.Minute))
	return m, s.Reserve(context.Background(), m)
}

func TestStoreRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 3)
		got, err := s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.DriverID, got.DriverID)
		assert.Equal(t, o.Waypoints, got.Waypoints)
		assert.True(t, o.DepartAt.Equal(got.DepartAt))
		assert.Equal(t, OfferOpen, got.Status)
		assert.Nil(t, got.ClosedAt)

		r := seedRequest(t, s, "p1", base.Add(time.Hour))
		gotR, err := s.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Origin, gotR.Origin)
		assert.True(t, r.DesiredAt.Equal(gotR.DesiredAt))

		_, err = s.GetOffer(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRequest(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMatch(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreReserveFillsOffer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 2)
		r1 := seedRequest(t, s, "p1", base.Add(time.Hour))
		r2 := seedRequest(t, s, "p2", base.Add(time.Hour))
		r3 := seedRequest(t, s, "p3", base.Add(time.Hour))

		m1, err := reserve(t, s, o, r1)
		require.NoError(t, err)
		assert.Equal(t, MatchProposed, m1.State)

		got, err := s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Reserved)
		assert.Equal(t, OfferOpen, got.Status)

		_, err = reserve(t, s, o, r2)
		require.NoError(t, err)
		got, err = s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Reserved)
		assert.Equal(t, OfferFull, got.Status)

		_, err = reserve(t, s, o, r3)
		assert.ErrorIs(t, err, ErrOfferUnavailable)
		assert.ErrorIs(t, err, ErrStateConflict)

		gotR3, err := s.GetRequest(ctx, r3.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestPending, gotR3.Status, "failed reservation must not touch the request")

		gotR1, err := s.GetRequest(ctx, r1.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestMatched, gotR1.Status)

		stored, err := s.GetMatch(ctx, m1.ID)
		require.NoError(t, err)
		assert.Equal(t, MatchProposed, stored.State)
		assert.Equal(t, types.ID("d1"), stored.DriverID)
		assert.Equal(t, types.ID("p1"), stored.PassengerID)
	})
}

func TestStoreReserveRequestAlreadyMatched(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o1 := seedOffer(t, s, "d1", base.Add(time.Hour), 2)
		o2 := seedOffer(t, s, "d2", base.Add(time.Hour), 2)
		r := seedRequest(t, s, "p1", base.Add(time.Hour))

		_, err := reserve(t, s, o1, r)
		require.NoError(t, err)
		_, err = reserve(t, s, o2, r)
		assert.ErrorIs(t, err, ErrRequestUnavailable)

		got, err := s.GetOffer(ctx, o2.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Reserved, "no seat may be consumed by a failed reservation")

		ms, err := s.ListMatchesByRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, ms, 1)
	})
}

func TestStoreReserveClosedOffer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 2)
		r := seedRequest(t, s, "p1", base.Add(time.Hour))
		_, err := s.CloseOffer(ctx, o.ID, "d1", OfferCancelled, base)
		require.NoError(t, err)

		_, err = reserve(t, s, o, r)
		assert.ErrorIs(t, err, ErrOfferUnavailable)
		got, err := s.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestPending, got.Status, "request update must roll back")
	})
}

func TestStoreReleaseReopensOffer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 1)
		r := seedRequest(t, s, "p1", base.Add(time.Hour))
		m, err := reserve(t, s, o, r)
		require.NoError(t, err)

		released, err := s.Release(ctx, m.ID, MatchRejected, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, MatchRejected, released.State)
		require.NotNil(t, released.ResolvedAt)

		got, err := s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Reserved)
		assert.Equal(t, OfferOpen, got.Status)

		gotR, err := s.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestPending, gotR.Status)

		_, err = s.Release(ctx, m.ID, MatchRejected, base.Add(3*time.Minute))
		assert.ErrorIs(t, err, ErrStateConflict)
		got, err = s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Reserved, "second release must not give the seat back twice")

		_, err = s.Release(ctx, m.ID, MatchApproved, base)
		assert.ErrorIs(t, err, ErrBadRequest)
	})
}

func TestStoreApprove(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 1)
		r := seedRequest(t, s, "p1", base.Add(time.Hour))
		m, err := reserve(t, s, o, r)
		require.NoError(t, err)

		approved, err := s.Approve(ctx, m.ID, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, MatchApproved, approved.State)

		_, err = s.Approve(ctx, m.ID, base.Add(3*time.Minute))
		assert.ErrorIs(t, err, ErrStateConflict)
		_, err = s.Release(ctx, m.ID, MatchRejected, base.Add(3*time.Minute))
		assert.ErrorIs(t, err, ErrStateConflict)
		_, err = s.Approve(ctx, "missing", base)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Reserved, "approved match keeps its seat")
		assert.Equal(t, OfferFull, got.Status)
	})
}

func TestStoreCancelOffer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 3)
		r1 := seedRequest(t, s, "p1", base.Add(time.Hour))
		r2 := seedRequest(t, s, "p2", base.Add(time.Hour))
		proposed, err := reserve(t, s, o, r1)
		require.NoError(t, err)
		approved, err := reserve(t, s, o, r2)
		require.NoError(t, err)
		_, err = s.Approve(ctx, approved.ID, base.Add(2*time.Minute))
		require.NoError(t, err)

		_, err = s.CloseOffer(ctx, o.ID, "intruder", OfferCancelled, base)
		assert.ErrorIs(t, err, ErrForbidden)

		cl, err := s.CloseOffer(ctx, o.ID, "d1", OfferCancelled, base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, OfferCancelled, cl.Offer.Status)
		require.NotNil(t, cl.Offer.ClosedAt)
		require.Len(t, cl.Released, 1)
		assert.Equal(t, proposed.ID, cl.Released[0].ID)
		assert.Equal(t, MatchRejected, cl.Released[0].State)
		require.Len(t, cl.Stranded, 1)
		assert.Equal(t, approved.ID, cl.Stranded[0].ID)
		assert.Equal(t, MatchApproved, cl.Stranded[0].State)
		assert.Equal(t, 1, cl.Offer.Reserved)

		for _, id := range []types.ID{r1.ID, r2.ID} {
			got, err := s.GetRequest(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, RequestPending, got.Status)
		}
		stillApproved, err := s.GetMatch(ctx, approved.ID)
		require.NoError(t, err)
		assert.Equal(t, MatchApproved, stillApproved.State)

		_, err = s.CloseOffer(ctx, o.ID, "d1", OfferCancelled, base.Add(6*time.Minute))
		assert.ErrorIs(t, err, ErrStateConflict)
	})
}

func TestStoreExpireOffer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 2)
		r1 := seedRequest(t, s, "p1", base.Add(time.Hour))
		r2 := seedRequest(t, s, "p2", base.Add(time.Hour))
		_, err := reserve(t, s, o, r1)
		require.NoError(t, err)
		approved, err := reserve(t, s, o, r2)
		require.NoError(t, err)
		_, err = s.Approve(ctx, approved.ID, base.Add(2*time.Minute))
		require.NoError(t, err)

		cl, err := s.CloseOffer(ctx, o.ID, "", OfferExpired, base.Add(4*time.Hour))
		require.NoError(t, err)
		require.Len(t, cl.Released, 1)
		assert.Equal(t, MatchExpired, cl.Released[0].State)
		assert.Empty(t, cl.Stranded)
		assert.Equal(t, OfferExpired, cl.Offer.Status)

		gotR1, err := s.GetRequest(ctx, r1.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestPending, gotR1.Status)
		gotR2, err := s.GetRequest(ctx, r2.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestMatched, gotR2.Status, "approved matches are never touched by expiry")
	})
}

func TestStoreCloseRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 1)
		r := seedRequest(t, s, "p1", base.Add(time.Hour))
		m, err := reserve(t, s, o, r)
		require.NoError(t, err)

		_, err = s.CloseRequest(ctx, r.ID, "d1", RequestCancelled, base)
		assert.ErrorIs(t, err, ErrForbidden)

		cl, err := s.CloseRequest(ctx, r.ID, "p1", RequestCancelled, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, RequestCancelled, cl.Request.Status)
		require.NotNil(t, cl.Released)
		assert.Equal(t, m.ID, cl.Released.ID)
		assert.Equal(t, MatchRejected, cl.Released.State)
		assert.Nil(t, cl.Kept)

		got, err := s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Reserved)
		assert.Equal(t, OfferOpen, got.Status)

		_, err = s.CloseRequest(ctx, r.ID, "p1", RequestCancelled, base.Add(4*time.Minute))
		assert.ErrorIs(t, err, ErrRequestUnavailable)
	})
}

func TestStoreCloseRequestKeepsApprovedSeat(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		o := seedOffer(t, s, "d1", base.Add(time.Hour), 1)
		r := seedRequest(t, s, "p1", base.Add(time.Hour))
		m, err := reserve(t, s, o, r)
		require.NoError(t, err)
		_, err = s.Approve(ctx, m.ID, base.Add(2*time.Minute))
		require.NoError(t, err)

		cl, err := s.CloseRequest(ctx, r.ID, "p1", RequestCancelled, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Nil(t, cl.Released)
		require.NotNil(t, cl.Kept)
		assert.Equal(t, m.ID, cl.Kept.ID)

		got, err := s.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Reserved)
		assert.Equal(t, OfferFull, got.Status)
	})
}

func TestStoreListings(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		late := seedOffer(t, s, "d1", base.Add(3*time.Hour), 1)
		early := seedOffer(t, s, "d1", base.Add(time.Hour), 1)
		outside := seedOffer(t, s, "d2", base.Add(10*time.Hour), 1)
		closed := seedOffer(t, s, "d2", base.Add(2*time.Hour), 1)
		_, err := s.CloseOffer(ctx, closed.ID, "d2", OfferCancelled, base)
		require.NoError(t, err)

		open, err := s.ListOpenOffers(ctx, base, base.Add(4*time.Hour))
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, early.ID, open[0].ID)
		assert.Equal(t, late.ID, open[1].ID)

		mine, err := s.ListOffersByDriver(ctx, "d2")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, closed.ID, mine[0].ID)
		assert.Equal(t, outside.ID, mine[1].ID)

		stale, err := s.ListStaleOffers(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, early.ID, stale[0].ID)

		r1 := seedRequest(t, s, "p1", base.Add(2*time.Hour))
		r2 := seedRequest(t, s, "p1", base.Add(time.Hour))
		pending, err := s.ListPendingRequests(ctx, base, base.Add(90*time.Minute))
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, r2.ID, pending[0].ID)

		byPassenger, err := s.ListRequestsByPassenger(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, byPassenger, 2)
		assert.Equal(t, r2.ID, byPassenger[0].ID)
		assert.Equal(t, r1.ID, byPassenger[1].ID)

		staleReqs, err := s.ListStaleRequests(ctx, base.Add(90*time.Minute), base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, staleReqs, 1)
		assert.Equal(t, r2.ID, staleReqs[0].ID)

		retained, err := s.ListStaleRequests(ctx, base, base.Add(time.Second))
		require.NoError(t, err)
		assert.Len(t, retained, 2, "requests created before the retention cutoff are stale")
	})
}

func TestStoreReleaseRacesCloseRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			o := seedOffer(t, s, "d1", base.Add(time.Hour), 1)
			r := seedRequest(t, s, "p1", base.Add(time.Hour))
			m, err := reserve(t, s, o, r)
			require.NoError(t, err)

			var wg sync.WaitGroup
			var releaseErr, closeErr error
			var cl *RequestClosure
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, releaseErr = s.Release(ctx, m.ID, MatchRejected, base.Add(2*time.Minute))
			}()
			go func() {
				defer wg.Done()
				cl, closeErr = s.CloseRequest(ctx, r.ID, "p1", RequestCancelled, base.Add(2*time.Minute))
			}()
			wg.Wait()

			require.NoError(t, closeErr)
			released := 0
			if releaseErr == nil {
				released++
			} else {
				require.ErrorIs(t, releaseErr, ErrStateConflict)
			}
			if cl.Released != nil {
				released++
			}
			assert.Equal(t, 1, released)

			got, err := s.GetOffer(ctx, o.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, got.Reserved)
			gotR, err := s.GetRequest(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, RequestCancelled, gotR.Status)
		}
	})
}

func TestStoreReleaseRacesCloseOffer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			o := seedOffer(t, s, "d1", base.Add(time.Hour), 1)
			r := seedRequest(t, s, "p1", base.Add(time.Hour))
			m, err := reserve(t, s, o, r)
			require.NoError(t, err)

			var wg sync.WaitGroup
			var releaseErr, closeErr error
			var cl *OfferClosure
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, releaseErr = s.Release(ctx, m.ID, MatchRejected, base.Add(2*time.Minute))
			}()
			go func() {
				defer wg.Done()
				cl, closeErr = s.CloseOffer(ctx, o.ID, "", OfferExpired, base.Add(2*time.Minute))
			}()
			wg.Wait()

			require.NoError(t, closeErr)
			released := len(cl.Released)
			if releaseErr == nil {
				released++
			} else {
				require.ErrorIs(t, releaseErr, ErrStateConflict)
			}
			assert.Equal(t, 1, released)

			got, err := s.GetOffer(ctx, o.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, got.Reserved)
			assert.Equal(t, OfferExpired, got.Status)
			gotR, err := s.GetRequest(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, RequestPending, gotR.Status)
		}
	})
}
