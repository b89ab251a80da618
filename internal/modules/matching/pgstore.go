// README: Store backed by PostgreSQL; every transition is a conditional UPDATE inside one transaction.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"carpool/internal/types"
	"carpool/migrations"
)

const (
	offerColumns   = `id, driver_id, origin_lat, origin_lng, waypoints, depart_at, seat_capacity, reserved, status, created_at, updated_at, closed_at`
	requestColumns = `id, passenger_id, origin_lat, origin_lng, desired_at, status, created_at, updated_at`
	matchColumns   = `id, offer_id, request_id, driver_id, passenger_id, state, created_at, resolved_at`
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

var _ Store = (*PGStore)(nil)

// Migrate applies the embedded Postgres schema. Statements are idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	stmts, err := migrations.Statements(migrations.Postgres)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PGStore) CreateOffer(ctx context.Context, o *Offer) error {
	waypoints, err := encodeWaypoints(o.Waypoints)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO offers (
            id, driver_id, origin_lat, origin_lng, waypoints, depart_at,
            seat_capacity, reserved, status, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(o.ID),
		string(o.DriverID),
		o.Origin.Lat, o.Origin.Lng,
		waypoints,
		o.DepartAt,
		o.SeatCapacity,
		o.Reserved,
		string(o.Status),
		o.CreatedAt,
		o.UpdatedAt,
	)
	return pgMapErr(err)
}

func (s *PGStore) CreateRequest(ctx context.Context, r *Request) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO requests (
            id, passenger_id, origin_lat, origin_lng, desired_at, status, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(r.ID),
		string(r.PassengerID),
		r.Origin.Lat, r.Origin.Lng,
		r.DesiredAt,
		string(r.Status),
		r.CreatedAt,
		r.UpdatedAt,
	)
	return pgMapErr(err)
}

func (s *PGStore) GetOffer(ctx context.Context, id types.ID) (*Offer, error) {
	o, err := pgScanOffer(s.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *PGStore) GetRequest(ctx context.Context, id types.ID) (*Request, error) {
	r, err := pgScanRequest(s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) GetMatch(ctx context.Context, id types.ID) (*Match, error) {
	m, err := pgScanMatch(s.db.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PGStore) ListOpenOffers(ctx context.Context, from, to time.Time) ([]*Offer, error) {
	return s.queryOffers(ctx, `
        SELECT `+offerColumns+` FROM offers
        WHERE status = 'open' AND depart_at >= $1 AND depart_at <= $2
        ORDER BY depart_at, id`, from, to)
}

func (s *PGStore) ListPendingRequests(ctx context.Context, from, to time.Time) ([]*Request, error) {
	return s.queryRequests(ctx, `
        SELECT `+requestColumns+` FROM requests
        WHERE status = 'pending' AND desired_at >= $1 AND desired_at <= $2
        ORDER BY desired_at, id`, from, to)
}

func (s *PGStore) ListOffersByDriver(ctx context.Context, driverID types.ID) ([]*Offer, error) {
	return s.queryOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE driver_id = $1 ORDER BY depart_at, id`, string(driverID))
}

func (s *PGStore) ListRequestsByPassenger(ctx context.Context, passengerID types.ID) ([]*Request, error) {
	return s.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests WHERE passenger_id = $1 ORDER BY desired_at, id`, string(passengerID))
}

func (s *PGStore) ListMatchesByOffer(ctx context.Context, offerID types.ID) ([]*Match, error) {
	rows, err := s.db.Query(ctx, `SELECT `+matchColumns+` FROM matches WHERE offer_id = $1 ORDER BY created_at, id`, string(offerID))
	if err != nil {
		return nil, err
	}
	return pgCollectMatches(rows)
}

func (s *PGStore) ListMatchesByRequest(ctx context.Context, requestID types.ID) ([]*Match, error) {
	rows, err := s.db.Query(ctx, `SELECT `+matchColumns+` FROM matches WHERE request_id = $1 ORDER BY created_at, id`, string(requestID))
	if err != nil {
		return nil, err
	}
	return pgCollectMatches(rows)
}

func (s *PGStore) ListStaleOffers(ctx context.Context, cutoff time.Time) ([]*Offer, error) {
	return s.queryOffers(ctx, `
        SELECT `+offerColumns+` FROM offers
        WHERE status IN ('open', 'full') AND depart_at < $1
        ORDER BY depart_at, id`, cutoff)
}

func (s *PGStore) ListStaleRequests(ctx context.Context, desiredCutoff, createdCutoff time.Time) ([]*Request, error) {
	return s.queryRequests(ctx, `
        SELECT `+requestColumns+` FROM requests
        WHERE status IN ('pending', 'matched') AND (desired_at < $1 OR created_at < $2)
        ORDER BY desired_at, id`, desiredCutoff, createdCutoff)
}

// Reserve locks the request row before the offer row, the order every transaction here
// follows.
func (s *PGStore) Reserve(ctx context.Context, m *Match) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            UPDATE requests SET status = 'matched', updated_at = $2
            WHERE id = $1 AND status = 'pending'`,
			string(m.RequestID), m.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgMissingOr(ctx, tx, "requests", m.RequestID, ErrRequestUnavailable)
		}

		tag, err = tx.Exec(ctx, `
            UPDATE offers
            SET reserved = reserved + 1,
                status = CASE WHEN reserved + 1 >= seat_capacity THEN 'full' ELSE status END,
                updated_at = $2
            WHERE id = $1 AND status = 'open' AND reserved < seat_capacity`,
			string(m.OfferID), m.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgMissingOr(ctx, tx, "offers", m.OfferID, ErrOfferUnavailable)
		}

		m.State = MatchProposed
		_, err = tx.Exec(ctx, `
            INSERT INTO matches (id, offer_id, request_id, driver_id, passenger_id, state, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(m.ID),
			string(m.OfferID),
			string(m.RequestID),
			string(m.DriverID),
			string(m.PassengerID),
			string(m.State),
			m.CreatedAt,
		)
		return pgMapErr(err)
	})
}

func (s *PGStore) Approve(ctx context.Context, matchID types.ID, at time.Time) (*Match, error) {
	m, err := pgScanMatch(s.db.QueryRow(ctx, `
        UPDATE matches SET state = 'approved', resolved_at = $2
        WHERE id = $1 AND state = 'proposed'
        RETURNING `+matchColumns, string(matchID), at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgMissingOr(ctx, s.db, "matches", matchID, ErrStateConflict)
	}
	return m, err
}

func (s *PGStore) Release(ctx context.Context, matchID types.ID, to MatchState, at time.Time) (*Match, error) {
	if to == MatchApproved || !CanTransition(MatchProposed, to) {
		return nil, fmt.Errorf("release to %s: %w", to, ErrBadRequest)
	}
	var out *Match
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var requestID, offerID string
		err := tx.QueryRow(ctx, `SELECT request_id, offer_id FROM matches WHERE id = $1`, string(matchID)).
			Scan(&requestID, &offerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("matches %s: %w", matchID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := pgLockRows(ctx, tx, "requests", requestID); err != nil {
			return err
		}
		if err := pgLockRows(ctx, tx, "offers", offerID); err != nil {
			return err
		}

		m, err := pgScanMatch(tx.QueryRow(ctx, `
            UPDATE matches SET state = $2, resolved_at = $3
            WHERE id = $1 AND state = 'proposed'
            RETURNING `+matchColumns, string(matchID), string(to), at))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStateConflict
		}
		if err != nil {
			return err
		}
		if err := pgReleaseSeat(ctx, tx, m, at, true); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *PGStore) CloseOffer(ctx context.Context, offerID, ownerID types.ID, to OfferStatus, at time.Time) (*OfferClosure, error) {
	if !to.Closed() {
		return nil, fmt.Errorf("close offer to %s: %w", to, ErrBadRequest)
	}
	out := &OfferClosure{}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Requests first: a Reserve or Release on one of them holds it while waiting for
		// the offer. A match inserted between this read and the offer lock is rare; the
		// resulting deadlock surfaces as ErrStateConflict.
		var requestIDs []string
		err := tx.QueryRow(ctx, `
            SELECT COALESCE(array_agg(request_id), '{}') FROM matches
            WHERE offer_id = $1 AND state IN ('proposed', 'approved')`, string(offerID)).Scan(&requestIDs)
		if err != nil {
			return err
		}
		if err := pgLockRows(ctx, tx, "requests", requestIDs...); err != nil {
			return err
		}

		var driverID types.ID
		var status OfferStatus
		err = tx.QueryRow(ctx, `SELECT driver_id, status FROM offers WHERE id = $1 FOR UPDATE`, string(offerID)).
			Scan(&driverID, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if ownerID != "" && driverID != ownerID {
			return ErrForbidden
		}
		if status != OfferOpen && status != OfferFull {
			return ErrOfferUnavailable
		}

		rows, err := tx.Query(ctx, `
            UPDATE matches SET state = $2, resolved_at = $3
            WHERE offer_id = $1 AND state = 'proposed'
            RETURNING `+matchColumns, string(offerID), string(releasedState(to)), at)
		if err != nil {
			return err
		}
		released, err := pgCollectMatches(rows)
		if err != nil {
			return err
		}
		sortMatches(released)
		for _, m := range released {
			if err := pgReleaseSeat(ctx, tx, m, at, false); err != nil {
				return err
			}
		}
		out.Released = released

		if to == OfferCancelled {
			rows, err := tx.Query(ctx, `
                SELECT `+matchColumns+` FROM matches
                WHERE offer_id = $1 AND state = 'approved'
                ORDER BY created_at, id`, string(offerID))
			if err != nil {
				return err
			}
			stranded, err := pgCollectMatches(rows)
			if err != nil {
				return err
			}
			for _, m := range stranded {
				if _, err := tx.Exec(ctx, `
                    UPDATE requests SET status = 'pending', updated_at = $2
                    WHERE id = $1 AND status = 'matched'`, string(m.RequestID), at); err != nil {
					return err
				}
			}
			out.Stranded = stranded
		}

		o, err := pgScanOffer(tx.QueryRow(ctx, `
            UPDATE offers SET status = $2, updated_at = $3, closed_at = $3
            WHERE id = $1
            RETURNING `+offerColumns, string(offerID), string(to), at))
		if err != nil {
			return err
		}
		out.Offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) CloseRequest(ctx context.Context, requestID, ownerID types.ID, to RequestStatus, at time.Time) (*RequestClosure, error) {
	if !to.Closed() {
		return nil, fmt.Errorf("close request to %s: %w", to, ErrBadRequest)
	}
	out := &RequestClosure{}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var passengerID types.ID
		var status RequestStatus
		err := tx.QueryRow(ctx, `SELECT passenger_id, status FROM requests WHERE id = $1 FOR UPDATE`, string(requestID)).
			Scan(&passengerID, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if ownerID != "" && passengerID != ownerID {
			return ErrForbidden
		}
		if status != RequestPending && status != RequestMatched {
			return ErrRequestUnavailable
		}

		r, err := pgScanRequest(tx.QueryRow(ctx, `
            UPDATE requests SET status = $2, updated_at = $3
            WHERE id = $1
            RETURNING `+requestColumns, string(requestID), string(to), at))
		if err != nil {
			return err
		}
		out.Request = r

		var offerIDs []string
		err = tx.QueryRow(ctx, `
            SELECT COALESCE(array_agg(offer_id), '{}') FROM matches
            WHERE request_id = $1 AND state = 'proposed'`, string(requestID)).Scan(&offerIDs)
		if err != nil {
			return err
		}
		if err := pgLockRows(ctx, tx, "offers", offerIDs...); err != nil {
			return err
		}

		m, err := pgScanMatch(tx.QueryRow(ctx, `
            UPDATE matches SET state = $2, resolved_at = $3
            WHERE request_id = $1 AND state = 'proposed'
            RETURNING `+matchColumns, string(requestID), string(releasedStateForRequest(to)), at))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			if err := pgReleaseSeat(ctx, tx, m, at, true); err != nil {
				return err
			}
			out.Released = m
		}

		kept, err := pgScanMatch(tx.QueryRow(ctx, `
            SELECT m.id, m.offer_id, m.request_id, m.driver_id, m.passenger_id, m.state, m.created_at, m.resolved_at
            FROM matches m JOIN offers o ON o.id = m.offer_id
            WHERE m.request_id = $1 AND m.state = 'approved' AND o.status IN ('open', 'full')
            ORDER BY m.created_at DESC
            LIMIT 1`, string(requestID)))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			out.Kept = kept
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return pgMapErr(err)
	}
	return pgMapErr(tx.Commit(ctx))
}

// pgLockRows takes row locks in id order. Transactions lock requests, then offers, then
// matches.
func pgLockRows(ctx context.Context, tx pgx.Tx, table string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `SELECT id FROM `+table+` WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	return err
}

func (s *PGStore) queryOffers(ctx context.Context, query string, args ...any) ([]*Offer, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Offer
	for rows.Next() {
		o, err := pgScanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PGStore) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		r, err := pgScanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgReleaseSeat gives a released match's seat back. The request is only touched while it
// is still matched, so a request being closed keeps its new status.
func pgReleaseSeat(ctx context.Context, tx pgx.Tx, m *Match, at time.Time, reopen bool) error {
	if _, err := tx.Exec(ctx, `
        UPDATE requests SET status = 'pending', updated_at = $2
        WHERE id = $1 AND status = 'matched'`, string(m.RequestID), at); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
        UPDATE offers
        SET reserved = reserved - 1,
            status = CASE WHEN $3 AND status = 'full' THEN 'open' ELSE status END,
            updated_at = $2
        WHERE id = $1 AND reserved > 0`, string(m.OfferID), at, reopen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("offer %s seat counter underflow: %w", m.OfferID, ErrInvariantViolation)
	}
	return nil
}

// pgMissingOr tells a missing row apart from one in the wrong state.
func pgMissingOr(ctx context.Context, q pgQuerier, table string, id types.ID, stateErr error) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return stateErr
}

func pgMapErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrStateConflict)
	case "40P01", "40001":
		// deadlock_detected, serialization_failure: a concurrent writer won.
		return fmt.Errorf("%s: %w", pgErr.Code, ErrStateConflict)
	}
	return err
}

func pgScanOffer(row rowScanner) (*Offer, error) {
	var o Offer
	var waypoints []byte
	err := row.Scan(
		&o.ID, &o.DriverID, &o.Origin.Lat, &o.Origin.Lng, &waypoints, &o.DepartAt,
		&o.SeatCapacity, &o.Reserved, &o.Status, &o.CreatedAt, &o.UpdatedAt, &o.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.Waypoints, err = decodeWaypoints(waypoints); err != nil {
		return nil, err
	}
	return &o, nil
}

func pgScanRequest(row rowScanner) (*Request, error) {
	var r Request
	err := row.Scan(&r.ID, &r.PassengerID, &r.Origin.Lat, &r.Origin.Lng, &r.DesiredAt, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func pgScanMatch(row rowScanner) (*Match, error) {
	var m Match
	err := row.Scan(&m.ID, &m.OfferID, &m.RequestID, &m.DriverID, &m.PassengerID, &m.State, &m.CreatedAt, &m.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func pgCollectMatches(rows pgx.Rows) ([]*Match, error) {
	defer rows.Close()
	var out []*Match
	for rows.Next() {
		m, err := pgScanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
