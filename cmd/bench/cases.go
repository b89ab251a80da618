// README: Scenario checks: environment, schema, the offer/request/approve flow, the seat race and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"carpool/internal/modules/matching"
	"carpool/internal/types"
	"carpool/migrations"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	// run prefixes user ids so repeated runs never collide.
	run string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   string(types.NewID())[:8],
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: pingPostgres},
		{Name: "Env: Redis connect", Run: pingRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
		}},
		{Name: "API: onboarding text", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/start?role=passenger", "", nil, http.StatusOK)
		}},
		{Name: "API: missing caller -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/offers", "", nil, http.StatusUnauthorized)
		}},
		{Name: "API: invalid offer -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/offers", r.user("d-invalid"), map[string]any{}, http.StatusBadRequest)
		}},
		{Name: "Scenario: propose, approve, full", Run: proposeApprove},
		{Name: "Scenario: reject frees the seat", Run: rejectFreesSeat},
		{Name: "Concurrency: seats never oversold", Run: seatRace},
		{Name: "Perf: request throughput", Run: perfRequests},
	}
}

func pingPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func pingRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "dsn not configured"}
	}
	stmts, err := migrations.Statements(migrations.Postgres)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("statements=%d", len(stmts))}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	for _, t := range []string{"offers", "requests", "matches"} {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass}
}

type offerResp struct {
	Offer   matching.Offer    `json:"offer"`
	Matches []*matching.Match `json:"matches"`
}

type requestResp struct {
	Request matching.Request `json:"request"`
	Match   *matching.Match  `json:"match"`
}

// Both points sit north-south of the destination so that the degraded proximity rule also
// accepts them: the origin about 2.2 km out and the pickup 550 m past it toward the
// destination.
func (r *Runner) driverOrigin() map[string]float64 {
	return map[string]float64{"lat": r.cfg.DestLat - 0.02, "lng": r.cfg.DestLng}
}

func (r *Runner) pickup() map[string]float64 {
	return map[string]float64{"lat": r.cfg.DestLat - 0.015, "lng": r.cfg.DestLng}
}

func (r *Runner) user(name string) string {
	return r.run + "-" + name
}

// departure spreads scenarios a day apart so one scenario's offers never match another's
// requests.
func departure(dayOffset int) string {
	return time.Now().UTC().Add(time.Duration(dayOffset)*24*time.Hour + 2*time.Hour).Truncate(time.Minute).Format(time.RFC3339)
}

func (r *Runner) createOffer(ctx context.Context, driver string, seats, day int) (offerResp, error) {
	var out offerResp
	status, err := r.call(ctx, http.MethodPost, "/api/offers", driver, map[string]any{
		"origin":    r.driverOrigin(),
		"depart_at": departure(day),
		"seats":     seats,
	}, &out)
	if err == nil && status != http.StatusCreated {
		err = fmt.Errorf("create offer: status=%d", status)
	}
	return out, err
}

func (r *Runner) createRequest(ctx context.Context, passenger string, day int) (requestResp, error) {
	var out requestResp
	status, err := r.call(ctx, http.MethodPost, "/api/requests", passenger, map[string]any{
		"origin":     r.pickup(),
		"desired_at": departure(day),
	}, &out)
	if err == nil && status != http.StatusCreated {
		err = fmt.Errorf("create request: status=%d", status)
	}
	return out, err
}

func proposeApprove(ctx context.Context, r *Runner) Result {
	start := time.Now()
	driver := r.user("d-approve")
	offer, err := r.createOffer(ctx, driver, 1, 1)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	req, err := r.createRequest(ctx, r.user("p-approve"), 1)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if req.Match == nil || req.Match.OfferID != offer.Offer.ID {
		return Result{Status: statusFail, Note: "request was not proposed to the new offer"}
	}
	var m matching.Match
	status, err := r.call(ctx, http.MethodPost, "/api/matches/"+string(req.Match.ID)+"/approve", driver, nil, &m)
	if err != nil || status != http.StatusOK || m.State != matching.MatchApproved {
		return Result{Status: statusFail, Note: fmt.Sprintf("approve: status=%d err=%v", status, err)}
	}
	status, _ = r.call(ctx, http.MethodPost, "/api/matches/"+string(req.Match.ID)+"/approve", driver, nil, nil)
	if status != http.StatusConflict {
		return Result{Status: statusFail, Note: fmt.Sprintf("second approve: status=%d", status)}
	}
	var listed struct {
		Offers []*matching.Offer `json:"offers"`
	}
	if _, err := r.call(ctx, http.MethodGet, "/api/offers", driver, nil, &listed); err != nil || len(listed.Offers) != 1 {
		return Result{Status: statusFail, Note: "offer listing"}
	}
	if listed.Offers[0].Status != matching.OfferFull {
		return Result{Status: statusFail, Note: "offer status " + string(listed.Offers[0].Status)}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func rejectFreesSeat(ctx context.Context, r *Runner) Result {
	start := time.Now()
	driver := r.user("d-reject")
	offer, err := r.createOffer(ctx, driver, 1, 2)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	req, err := r.createRequest(ctx, r.user("p-reject"), 2)
	if err != nil || req.Match == nil {
		return Result{Status: statusFail, Note: fmt.Sprintf("no proposal: %v", err)}
	}
	status, err := r.call(ctx, http.MethodPost, "/api/matches/"+string(req.Match.ID)+"/reject", driver, nil, nil)
	if err != nil || status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("reject: status=%d err=%v", status, err)}
	}
	var matches struct {
		Matches []*matching.Match `json:"matches"`
	}
	if _, err := r.call(ctx, http.MethodGet, "/api/offers/"+string(offer.Offer.ID)+"/matches", driver, nil, &matches); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, m := range matches.Matches {
		if m.RequestID == req.Request.ID && m.State == matching.MatchProposed {
			return Result{Status: statusFail, Note: "rejected passenger was proposed again"}
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

// seatRace fires many requests at one offer with two seats; at most two may win. Pending
// requests left by earlier runs can take seats too, so fewer winners is not a failure.
func seatRace(ctx context.Context, r *Runner) Result {
	const seats = 2
	offer, err := r.createOffer(ctx, r.user("d-race"), seats, 3)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	var won atomic.Int32
	var failed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := r.createRequest(ctx, r.user(fmt.Sprintf("p-race-%d", i)), 3)
			if err != nil {
				failed.Add(1)
				return
			}
			if req.Match != nil && req.Match.OfferID == offer.Offer.ID {
				won.Add(1)
			}
		}(i)
	}
	wg.Wait()

	note := fmt.Sprintf("won=%d failed=%d", won.Load(), failed.Load())
	if failed.Load() > 0 || won.Load() > seats {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func perfRequests(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; time.Now().Before(end) && ctx.Err() == nil; n++ {
				// A far-future day keeps these requests away from every scenario offer.
				if _, err := r.createRequest(ctx, r.user(fmt.Sprintf("p-perf-%d-%d", i, n)), 30); err != nil {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func (r *Runner) expect(ctx context.Context, method, path, user string, body any, want int) Result {
	start := time.Now()
	status, err := r.call(ctx, method, path, user, body, nil)
	latency := time.Since(start)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
}

// call sends body as JSON and decodes a 2xx response into out when out is non-nil.
func (r *Runner) call(ctx context.Context, method, path, user string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode: %w", err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
