// README: Store backed by an embedded SQLite file for single-node deployments.
package matching

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"carpool/internal/types"
	"carpool/migrations"
)

// SQLiteStore keeps a single connection, so transactions never interleave inside the process.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSQLite opens path and applies the embedded schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts, err := migrations.Statements(migrations.SQLite)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateOffer(ctx context.Context, o *Offer) error {
	waypoints, err := encodeWaypoints(o.Waypoints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO offers (
            id, driver_id, origin_lat, origin_lng, waypoints, depart_at,
            seat_capacity, reserved, status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(o.ID),
		string(o.DriverID),
		o.Origin.Lat, o.Origin.Lng,
		waypoints,
		toMillis(o.DepartAt),
		o.SeatCapacity,
		o.Reserved,
		string(o.Status),
		toMillis(o.CreatedAt),
		toMillis(o.UpdatedAt),
	)
	return sqliteMapErr(err)
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, r *Request) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO requests (
            id, passenger_id, origin_lat, origin_lng, desired_at, status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID),
		string(r.PassengerID),
		r.Origin.Lat, r.Origin.Lng,
		toMillis(r.DesiredAt),
		string(r.Status),
		toMillis(r.CreatedAt),
		toMillis(r.UpdatedAt),
	)
	return sqliteMapErr(err)
}

func (s *SQLiteStore) GetOffer(ctx context.Context, id types.ID) (*Offer, error) {
	o, err := sqliteScanOffer(s.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id types.ID) (*Request, error) {
	r, err := sqliteScanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) GetMatch(ctx context.Context, id types.ID) (*Match, error) {
	m, err := sqliteScanMatch(s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) ListOpenOffers(ctx context.Context, from, to time.Time) ([]*Offer, error) {
	return s.queryOffers(ctx, `
        SELECT `+offerColumns+` FROM offers
        WHERE status = 'open' AND depart_at >= ? AND depart_at <= ?
        ORDER BY depart_at, id`, toMillis(from), toMillis(to))
}

func (s *SQLiteStore) ListPendingRequests(ctx context.Context, from, to time.Time) ([]*Request, error) {
	return s.queryRequests(ctx, `
        SELECT `+requestColumns+` FROM requests
        WHERE status = 'pending' AND desired_at >= ? AND desired_at <= ?
        ORDER BY desired_at, id`, toMillis(from), toMillis(to))
}

func (s *SQLiteStore) ListOffersByDriver(ctx context.Context, driverID types.ID) ([]*Offer, error) {
	return s.queryOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE driver_id = ? ORDER BY depart_at, id`, string(driverID))
}

func (s *SQLiteStore) ListRequestsByPassenger(ctx context.Context, passengerID types.ID) ([]*Request, error) {
	return s.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests WHERE passenger_id = ? ORDER BY desired_at, id`, string(passengerID))
}

func (s *SQLiteStore) ListMatchesByOffer(ctx context.Context, offerID types.ID) ([]*Match, error) {
	return sqliteQueryMatches(ctx, s.db, `SELECT `+matchColumns+` FROM matches WHERE offer_id = ? ORDER BY created_at, id`, string(offerID))
}

func (s *SQLiteStore) ListMatchesByRequest(ctx context.Context, requestID types.ID) ([]*Match, error) {
	return sqliteQueryMatches(ctx, s.db, `SELECT `+matchColumns+` FROM matches WHERE request_id = ? ORDER BY created_at, id`, string(requestID))
}

func (s *SQLiteStore) ListStaleOffers(ctx context.Context, cutoff time.Time) ([]*Offer, error) {
	return s.queryOffers(ctx, `
        SELECT `+offerColumns+` FROM offers
        WHERE status IN ('open', 'full') AND depart_at < ?
        ORDER BY depart_at, id`, toMillis(cutoff))
}

func (s *SQLiteStore) ListStaleRequests(ctx context.Context, desiredCutoff, createdCutoff time.Time) ([]*Request, error) {
	return s.queryRequests(ctx, `
        SELECT `+requestColumns+` FROM requests
        WHERE status IN ('pending', 'matched') AND (desired_at < ? OR created_at < ?)
        ORDER BY desired_at, id`, toMillis(desiredCutoff), toMillis(createdCutoff))
}

func (s *SQLiteStore) Reserve(ctx context.Context, m *Match) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		at := toMillis(m.CreatedAt)
		res, err := tx.ExecContext(ctx, `
            UPDATE requests SET status = 'matched', updated_at = ?
            WHERE id = ? AND status = 'pending'`, at, string(m.RequestID))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sqliteMissingOr(ctx, tx, "requests", m.RequestID, ErrRequestUnavailable)
		}

		res, err = tx.ExecContext(ctx, `
            UPDATE offers
            SET reserved = reserved + 1,
                status = CASE WHEN reserved + 1 >= seat_capacity THEN 'full' ELSE status END,
                updated_at = ?
            WHERE id = ? AND status = 'open' AND reserved < seat_capacity`, at, string(m.OfferID))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sqliteMissingOr(ctx, tx, "offers", m.OfferID, ErrOfferUnavailable)
		}

		m.State = MatchProposed
		_, err = tx.ExecContext(ctx, `
            INSERT INTO matches (id, offer_id, request_id, driver_id, passenger_id, state, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(m.ID),
			string(m.OfferID),
			string(m.RequestID),
			string(m.DriverID),
			string(m.PassengerID),
			string(m.State),
			at,
		)
		return sqliteMapErr(err)
	})
}

func (s *SQLiteStore) Approve(ctx context.Context, matchID types.ID, at time.Time) (*Match, error) {
	m, err := sqliteScanMatch(s.db.QueryRowContext(ctx, `
        UPDATE matches SET state = 'approved', resolved_at = ?
        WHERE id = ? AND state = 'proposed'
        RETURNING `+matchColumns, toMillis(at), string(matchID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sqliteMissingOr(ctx, s.db, "matches", matchID, ErrStateConflict)
	}
	return m, err
}

func (s *SQLiteStore) Release(ctx context.Context, matchID types.ID, to MatchState, at time.Time) (*Match, error) {
	if to == MatchApproved || !CanTransition(MatchProposed, to) {
		return nil, fmt.Errorf("release to %s: %w", to, ErrBadRequest)
	}
	var out *Match
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := sqliteScanMatch(tx.QueryRowContext(ctx, `
            UPDATE matches SET state = ?, resolved_at = ?
            WHERE id = ? AND state = 'proposed'
            RETURNING `+matchColumns, string(to), toMillis(at), string(matchID)))
		if errors.Is(err, sql.ErrNoRows) {
			return sqliteMissingOr(ctx, tx, "matches", matchID, ErrStateConflict)
		}
		if err != nil {
			return err
		}
		if err := sqliteReleaseSeat(ctx, tx, m, at, true); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *SQLiteStore) CloseOffer(ctx context.Context, offerID, ownerID types.ID, to OfferStatus, at time.Time) (*OfferClosure, error) {
	if !to.Closed() {
		return nil, fmt.Errorf("close offer to %s: %w", to, ErrBadRequest)
	}
	out := &OfferClosure{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var driverID types.ID
		var status OfferStatus
		err := tx.QueryRowContext(ctx, `SELECT driver_id, status FROM offers WHERE id = ?`, string(offerID)).
			Scan(&driverID, &status)
		if errors.Is(err, sql.ErrNoRows) {
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

		released, err := sqliteQueryMatches(ctx, tx, `
            UPDATE matches SET state = ?, resolved_at = ?
            WHERE offer_id = ? AND state = 'proposed'
            RETURNING `+matchColumns, string(releasedState(to)), toMillis(at), string(offerID))
		if err != nil {
			return err
		}
		sortMatches(released)
		for _, m := range released {
			if err := sqliteReleaseSeat(ctx, tx, m, at, false); err != nil {
				return err
			}
		}
		out.Released = released

		if to == OfferCancelled {
			stranded, err := sqliteQueryMatches(ctx, tx, `
                SELECT `+matchColumns+` FROM matches
                WHERE offer_id = ? AND state = 'approved'
                ORDER BY created_at, id`, string(offerID))
			if err != nil {
				return err
			}
			for _, m := range stranded {
				if _, err := tx.ExecContext(ctx, `
                    UPDATE requests SET status = 'pending', updated_at = ?
                    WHERE id = ? AND status = 'matched'`, toMillis(at), string(m.RequestID)); err != nil {
					return err
				}
			}
			out.Stranded = stranded
		}

		o, err := sqliteScanOffer(tx.QueryRowContext(ctx, `
            UPDATE offers SET status = ?, updated_at = ?, closed_at = ?
            WHERE id = ?
            RETURNING `+offerColumns, string(to), toMillis(at), toMillis(at), string(offerID)))
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

func (s *SQLiteStore) CloseRequest(ctx context.Context, requestID, ownerID types.ID, to RequestStatus, at time.Time) (*RequestClosure, error) {
	if !to.Closed() {
		return nil, fmt.Errorf("close request to %s: %w", to, ErrBadRequest)
	}
	out := &RequestClosure{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var passengerID types.ID
		var status RequestStatus
		err := tx.QueryRowContext(ctx, `SELECT passenger_id, status FROM requests WHERE id = ?`, string(requestID)).
			Scan(&passengerID, &status)
		if errors.Is(err, sql.ErrNoRows) {
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

		r, err := sqliteScanRequest(tx.QueryRowContext(ctx, `
            UPDATE requests SET status = ?, updated_at = ?
            WHERE id = ?
            RETURNING `+requestColumns, string(to), toMillis(at), string(requestID)))
		if err != nil {
			return err
		}
		out.Request = r

		m, err := sqliteScanMatch(tx.QueryRowContext(ctx, `
            UPDATE matches SET state = ?, resolved_at = ?
            WHERE request_id = ? AND state = 'proposed'
            RETURNING `+matchColumns, string(releasedStateForRequest(to)), toMillis(at), string(requestID)))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			if err := sqliteReleaseSeat(ctx, tx, m, at, true); err != nil {
				return err
			}
			out.Released = m
		}

		kept, err := sqliteScanMatch(tx.QueryRowContext(ctx, `
            SELECT m.id, m.offer_id, m.request_id, m.driver_id, m.passenger_id, m.state, m.created_at, m.resolved_at
            FROM matches m JOIN offers o ON o.id = m.offer_id
            WHERE m.request_id = ? AND m.state = 'approved' AND o.status IN ('open', 'full')
            ORDER BY m.created_at DESC
            LIMIT 1`, string(requestID)))
		switch {
		case errors.Is(err, sql.ErrNoRows):
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

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) queryOffers(ctx context.Context, query string, args ...any) ([]*Offer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Offer
	for rows.Next() {
		o, err := sqliteScanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		r, err := sqliteScanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type sqliteQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteQueryMatches(ctx context.Context, q sqliteQuerier, query string, args ...any) ([]*Match, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Match
	for rows.Next() {
		m, err := sqliteScanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func sqliteReleaseSeat(ctx context.Context, tx *sql.Tx, m *Match, at time.Time, reopen bool) error {
	if _, err := tx.ExecContext(ctx, `
        UPDATE requests SET status = 'pending', updated_at = ?
        WHERE id = ? AND status = 'matched'`, toMillis(at), string(m.RequestID)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE offers
        SET reserved = reserved - 1,
            status = CASE WHEN ? AND status = 'full' THEN 'open' ELSE status END,
            updated_at = ?
        WHERE id = ? AND reserved > 0`, reopen, toMillis(at), string(m.OfferID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("offer %s seat counter underflow: %w", m.OfferID, ErrInvariantViolation)
	}
	return nil
}

func sqliteMissingOr(ctx context.Context, q sqliteQuerier, table string, id types.ID, stateErr error) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = ?)`, string(id)).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return stateErr
}

func sqliteMapErr(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%v: %w", err, ErrStateConflict)
		}
	}
	return err
}

func sqliteScanOffer(row rowScanner) (*Offer, error) {
	var o Offer
	var waypoints string
	var departAt, createdAt, updatedAt int64
	var closedAt sql.NullInt64
	err := row.Scan(
		&o.ID, &o.DriverID, &o.Origin.Lat, &o.Origin.Lng, &waypoints, &departAt,
		&o.SeatCapacity, &o.Reserved, &o.Status, &createdAt, &updatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.Waypoints, err = decodeWaypoints([]byte(waypoints)); err != nil {
		return nil, err
	}
	o.DepartAt = fromMillis(departAt)
	o.CreatedAt = fromMillis(createdAt)
	o.UpdatedAt = fromMillis(updatedAt)
	if closedAt.Valid {
		t := fromMillis(closedAt.Int64)
		o.ClosedAt = &t
	}
	return &o, nil
}

func sqliteScanRequest(row rowScanner) (*Request, error) {
	var r Request
	var desiredAt, createdAt, updatedAt int64
	err := row.Scan(&r.ID, &r.PassengerID, &r.Origin.Lat, &r.Origin.Lng, &desiredAt, &r.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.DesiredAt = fromMillis(desiredAt)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

func sqliteScanMatch(row rowScanner) (*Match, error) {
	var m Match
	var createdAt int64
	var resolvedAt sql.NullInt64
	err := row.Scan(&m.ID, &m.OfferID, &m.RequestID, &m.DriverID, &m.PassengerID, &m.State, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(createdAt)
	if resolvedAt.Valid {
		t := fromMillis(resolvedAt.Int64)
		m.ResolvedAt = &t
	}
	return &m, nil
}
