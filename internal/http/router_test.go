package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpool/internal/config"
	"carpool/internal/http/middleware"
	"carpool/internal/logging"
	"carpool/internal/modules/matching"
	"carpool/internal/modules/notify"
	"carpool/internal/types"
)

var depot = types.Point{Lat: 55.80, Lng: 37.60}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	now := time.Date(2025, 10, 18, 6, 0, 0, 0, time.UTC)
	svc := matching.NewService(matching.Deps{
		Store:       matching.NewMemStore(),
		Notifier:    notify.NewLogNotifier(logging.Discard()),
		Logger:      logging.Discard(),
		Destination: depot,
		Matching:    config.DefaultMatching(),
		Lifecycle:   config.DefaultLifecycle(),
		Now:         func() time.Time { return now },
	})
	return NewRouter(svc, time.UTC, "depot", logging.Discard())
}

func do(t *testing.T, r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.UserIDHeader, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type offerBody struct {
	Offer   matching.Offer    `json:"offer"`
	Matches []*matching.Match `json:"matches"`
}

type requestBody struct {
	Request matching.Request `json:"request"`
	Match   *matching.Match  `json:"match"`
	Message string           `json:"message"`
}

func point(lat, lng float64) map[string]float64 {
	return map[string]float64{"lat": lat, "lng": lng}
}

func TestOfferRequestApproveFlow(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/offers", "driver-1", map[string]any{
		"origin":    point(55.78, 37.60),
		"depart_at": "2025-10-18 08:00",
		"seats":     1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offer := decode[offerBody](t, w)
	assert.Equal(t, matching.OfferOpen, offer.Offer.Status)
	assert.Empty(t, offer.Matches)

	w = do(t, r, http.MethodPost, "/api/requests", "passenger-1", map[string]any{
		"origin":     point(55.785, 37.60),
		"desired_at": "2025-10-18T08:20:00Z",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[requestBody](t, w)
	require.NotNil(t, req.Match)
	assert.Equal(t, matching.RequestMatched, req.Request.Status)
	matchID := string(req.Match.ID)

	w = do(t, r, http.MethodPost, "/api/matches/"+matchID+"/approve", "passenger-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/api/matches/"+matchID+"/approve", "driver-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, matching.MatchApproved, decode[matching.Match](t, w).State)

	w = do(t, r, http.MethodPost, "/api/matches/"+matchID+"/reject", "driver-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "action no longer possible")

	w = do(t, r, http.MethodGet, "/api/matches/"+matchID, "passenger-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/api/matches/"+matchID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodGet, "/api/offers/"+string(offer.Offer.ID)+"/matches", "driver-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]*matching.Match](t, w)["matches"], 1)

	w = do(t, r, http.MethodGet, "/api/offers", "driver-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	offers := decode[map[string][]*matching.Offer](t, w)["offers"]
	require.Len(t, offers, 1)
	assert.Equal(t, matching.OfferFull, offers[0].Status)
}

func TestRequestWithoutDriver(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodPost, "/api/requests", "passenger-1", map[string]any{
		"origin":     point(55.785, 37.60),
		"desired_at": "2025-10-18 08:20",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[requestBody](t, w)
	assert.Nil(t, req.Match)
	assert.Equal(t, "no match yet", req.Message)
	assert.Equal(t, matching.RequestPending, req.Request.Status)

	id := string(req.Request.ID)
	w = do(t, r, http.MethodPost, "/api/requests/"+id+"/cancel", "someone-else", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(t, r, http.MethodPost, "/api/requests/"+id+"/cancel", "passenger-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodPost, "/api/requests/"+id+"/cancel", "passenger-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/api/requests", "passenger-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	reqs := decode[map[string][]*matching.Request](t, w)["requests"]
	require.Len(t, reqs, 1)
	assert.Equal(t, matching.RequestCancelled, reqs[0].Status)
}

func TestOfferCancelReleasesPassenger(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodPost, "/api/requests", "passenger-1", map[string]any{
		"origin":     point(55.785, 37.60),
		"desired_at": "2025-10-18 08:20",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, r, http.MethodPost, "/api/offers", "driver-1", map[string]any{
		"origin":    point(55.78, 37.60),
		"depart_at": "2025-10-18 08:00",
		"seats":     2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offer := decode[offerBody](t, w)
	require.Len(t, offer.Matches, 1)
	assert.Equal(t, 1, offer.Offer.Reserved)

	w = do(t, r, http.MethodPost, "/api/offers/"+string(offer.Offer.ID)+"/cancel", "driver-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, body["released_matches"])
}

func TestErrorMapping(t *testing.T) {
	r := newTestRouter(t)
	unknown := string(types.NewID())
	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"no caller", http.MethodGet, "/api/offers", "", nil, http.StatusUnauthorized},
		{"bad id", http.MethodGet, "/api/matches/not_an_id", "u", nil, http.StatusBadRequest},
		{"unknown match", http.MethodGet, "/api/matches/" + unknown, "u", nil, http.StatusNotFound},
		{"unknown offer", http.MethodPost, "/api/offers/" + unknown + "/cancel", "u", nil, http.StatusNotFound},
		{"missing seats", http.MethodPost, "/api/offers", "u", map[string]any{
			"origin": point(55.78, 37.60), "depart_at": "2025-10-18 08:00",
		}, http.StatusBadRequest},
		{"missing lat", http.MethodPost, "/api/requests", "u", map[string]any{
			"origin": map[string]float64{"lng": 37.6}, "desired_at": "2025-10-18 08:00",
		}, http.StatusBadRequest},
		{"bad time", http.MethodPost, "/api/requests", "u", map[string]any{
			"origin": point(55.78, 37.60), "desired_at": "tomorrow morning",
		}, http.StatusBadRequest},
		{"past departure", http.MethodPost, "/api/offers", "u", map[string]any{
			"origin": point(55.78, 37.60), "depart_at": "2025-10-17 08:00", "seats": 1,
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, r, tc.method, tc.path, tc.user, tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestPublicRoutes(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = do(t, r, http.MethodGet, "/api/start", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "driver")
	assert.Contains(t, w.Body.String(), "passenger")

	w = do(t, r, http.MethodGet, "/api/start?role=driver", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"passenger"`)

	w = do(t, r, http.MethodGet, "/api/start?role=pilot", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
