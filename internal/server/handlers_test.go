package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-engine/internal/parking"
	"parking-engine/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	handler http.Handler
	clock   *testClock
	ledger  *parking.SessionLedger
}

func newTestServer(t *testing.T, spaces ...string) *testServer {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	clock := &testClock{now: time.Now().UTC().Truncate(time.Minute)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool := parking.NewSpacePool(store)
	for _, n := range spaces {
		_, err := pool.AddSpace(ctx, n)
		require.NoError(t, err)
	}

	ledger := parking.NewSessionLedger(parking.LedgerDeps{
		Pool:          pool,
		Subscriptions: parking.NewSubscriptionRegistry(store, parking.NewMoney(70000, "mad"), logger),
		Payments:      parking.NewPaymentRecorder(store, logger),
		Vehicles:      store,
		Sessions:      store,
		Clock:         clock,
		Logger:        logger,
	}, parking.Options{HourlyRate: parking.NewMoney(500, "mad")})

	srv := NewServer("0", ledger, "parking-engine", logger)
	return &testServer{handler: srv.Handler(), clock: clock, ledger: ledger}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
	Meta    *Meta           `json:"meta"`
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "parking-engine", health.Service)
	assert.Equal(t, "req-42", health.Meta.RequestID)
}

func TestEntryExitFlow(t *testing.T) {
	ts := newTestServer(t, "2", "1")

	rec, _ := ts.do(t, http.MethodPost, "/api/vehicles", RegisterVehicleRequest{Plate: "ab-123", Owner: "Karim"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := ts.do(t, http.MethodPost, "/api/sessions/entry", PlateRequest{Plate: "AB-123"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Allocated space number: 1", env.Message)

	var opened struct {
		ID          string `json:"id"`
		SpaceNumber string `json:"space_number"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &opened))
	assert.Equal(t, "1", opened.SpaceNumber)

	ts.clock.Advance(150 * time.Minute)

	rec, env = ts.do(t, http.MethodGet, "/api/sessions/open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var open []struct {
		Plate     string        `json:"plate"`
		Duration  string        `json:"duration"`
		AmountDue parking.Money `json:"amount_due"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &open))
	require.Len(t, open, 1)
	assert.Equal(t, "02:30", open[0].Duration)
	assert.Equal(t, int64(1500), open[0].AmountDue.Amount)

	rec, env = ts.do(t, http.MethodPost, "/api/sessions/exit", PlateRequest{Plate: "AB-123"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Space 1 is free", env.Message)
	var exit struct {
		Fee             parking.Money `json:"fee"`
		Duration        string        `json:"duration"`
		PaymentRecorded bool          `json:"payment_recorded"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &exit))
	assert.Equal(t, int64(1500), exit.Fee.Amount)
	assert.Equal(t, "02:30", exit.Duration)
	assert.True(t, exit.PaymentRecorded)

	rec, env = ts.do(t, http.MethodGet, "/api/sessions/"+opened.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"exit_time"`)

	// The payment already exists, so settling returns it again.
	rec, env = ts.do(t, http.MethodPost, "/api/sessions/"+opened.ID+"/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Payment recorded", env.Message)

	rec, env = ts.do(t, http.MethodGet, "/api/vehicles/AB-123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var vehicle VehicleResponse
	require.NoError(t, json.Unmarshal(env.Data, &vehicle))
	assert.Equal(t, "AB-123", vehicle.Plate)
	assert.Len(t, vehicle.Sessions, 1)

	rec, env = ts.do(t, http.MethodGet, "/api/spaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var spaces SpacesResponse
	require.NoError(t, json.Unmarshal(env.Data, &spaces))
	assert.Equal(t, 2, spaces.Total)
	assert.Equal(t, 0, spaces.Occupied)
	assert.Equal(t, "1", spaces.Spaces[0].Number)
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t, "1")

	rec, env := ts.do(t, http.MethodPost, "/api/sessions/entry", PlateRequest{Plate: "ZZ-999"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "Vehicle is not registered. Register the vehicle first", env.Error)

	rec, env = ts.do(t, http.MethodPost, "/api/vehicles", RegisterVehicleRequest{Plate: "AB123", Owner: "Karim"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid plate number", env.Error)

	ts.do(t, http.MethodPost, "/api/vehicles", RegisterVehicleRequest{Plate: "AB-123", Owner: "Karim"})
	ts.do(t, http.MethodPost, "/api/vehicles", RegisterVehicleRequest{Plate: "CD-456", Owner: "Salma"})

	rec, _ = ts.do(t, http.MethodPost, "/api/sessions/entry", PlateRequest{Plate: "AB-123"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/sessions/entry", PlateRequest{Plate: "AB-123"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, env = ts.do(t, http.MethodPost, "/api/sessions/entry", PlateRequest{Plate: "CD-456"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "No parking space available", env.Error)

	rec, _ = ts.do(t, http.MethodPost, "/api/sessions/exit", PlateRequest{Plate: "CD-456"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	space := ts.ledger.Pool().Spaces()[0]
	rec, _ = ts.do(t, http.MethodDelete, "/api/spaces/"+space.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/spaces", AddSpaceRequest{Number: "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/entry", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	ts.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestSpaceAdministration(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodPost, "/api/spaces", AddSpaceRequest{Number: "7"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var space parking.Space
	require.NoError(t, json.Unmarshal(env.Data, &space))
	assert.Equal(t, parking.SpaceFree, space.State)

	rec, _ = ts.do(t, http.MethodPost, "/api/spaces", AddSpaceRequest{Number: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodDelete, "/api/spaces/"+space.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, ts.ledger.Pool().TotalCount())

	rec, _ = ts.do(t, http.MethodDelete, "/api/spaces/"+space.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptions(t *testing.T) {
	ts := newTestServer(t, "1")
	ts.do(t, http.MethodPost, "/api/vehicles", RegisterVehicleRequest{Plate: "AB-123", Owner: "Karim"})

	today := time.Now().UTC()
	start := today.AddDate(0, 0, -1).Format(time.DateOnly)
	end := today.AddDate(0, 2, 0).Format(time.DateOnly)

	rec, env := ts.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{Plate: "AB-123", StartDate: end, EndDate: start})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "End date must not be before start date", env.Error)

	rec, _ = ts.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{Plate: "AB-123", StartDate: "tomorrow", EndDate: end})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = ts.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{Plate: "AB-123", StartDate: start, EndDate: end})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID             string        `json:"id"`
		DurationMonths int           `json:"duration_months"`
		TotalAmount    parking.Money `json:"total_amount"`
		Valid          bool          `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, 2, created.DurationMonths)
	assert.Equal(t, int64(140000), created.TotalAmount.Amount)
	assert.True(t, created.Valid)

	rec, _ = ts.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{Plate: "AB-123", StartDate: start, EndDate: end})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/subscriptions/AB-123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), created.ID)

	longer := today.AddDate(0, 3, 0).Format(time.DateOnly)
	rec, env = ts.do(t, http.MethodPut, "/api/subscriptions/"+created.ID+"/renew", RenewRequest{StartDate: start, EndDate: longer})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Subscription renewed", env.Message)

	rec, _ = ts.do(t, http.MethodPut, "/api/subscriptions/missing/renew", RenewRequest{StartDate: start, EndDate: longer})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A subscriber leaves without paying.
	ts.do(t, http.MethodPost, "/api/sessions/entry", PlateRequest{Plate: "AB-123"})
	ts.clock.Advance(3 * time.Hour)
	rec, env = ts.do(t, http.MethodPost, "/api/sessions/exit", PlateRequest{Plate: "AB-123"})
	require.Equal(t, http.StatusOK, rec.Code)
	var exit struct {
		Fee parking.Money `json:"fee"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &exit))
	assert.True(t, exit.Fee.IsZero())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "1", "2")
	ts.do(t, http.MethodGet, "/api/spaces", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "parking_spaces_total 2")
	assert.Contains(t, body, "parking_spaces_free 2")
	assert.Regexp(t, `parking_http_requests_total\{method="GET",route="/api/spaces/?",status="200"\} 1`, body)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/spaces", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(parking.ErrStorageUnavailable))
	assert.Equal(t, http.StatusNotFound, statusFor(parking.ErrSubscriptionNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}

func TestSubscriptionStateFollowsLedgerClock(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/vehicles", RegisterVehicleRequest{Plate: "AB-123", Owner: "Karim"})

	today := ts.clock.Now()
	rec, _ := ts.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{
		Plate:     "AB-123",
		StartDate: today.Format(time.DateOnly),
		EndDate:   today.AddDate(0, 1, 0).Format(time.DateOnly),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	ts.clock.Advance(24 * time.Hour * 90)

	rec, env := ts.do(t, http.MethodGet, "/api/subscriptions/AB-123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub struct {
		Valid      bool          `json:"valid"`
		Expired    bool          `json:"expired"`
		PaidToDate parking.Money `json:"paid_to_date"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.False(t, sub.Valid)
	assert.True(t, sub.Expired)
	assert.Equal(t, int64(70000), sub.PaidToDate.Amount)
}

func TestSubscriptionAdministration(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/vehicles", RegisterVehicleRequest{Plate: "AB-123", Owner: "Karim"})
	ts.do(t, http.MethodPost, "/api/vehicles", RegisterVehicleRequest{Plate: "CD-456", Owner: "Salma"})

	today := ts.clock.Now()
	rec, env := ts.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{
		Plate:     "AB-123",
		StartDate: today.Format(time.DateOnly),
		EndDate:   today.AddDate(0, 2, 0).Format(time.DateOnly),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var current struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &current))

	rec, env = ts.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{Plate: "CD-456", StartDate: "2023-01-01", EndDate: "2023-04-01"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var lapsed struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &lapsed))

	type listing struct {
		Subscriptions []struct {
			ID      string `json:"id"`
			Valid   bool   `json:"valid"`
			Expired bool   `json:"expired"`
		} `json:"subscriptions"`
		ExpectedRevenue parking.Money `json:"expected_revenue"`
		CollectedToDate parking.Money `json:"collected_to_date"`
	}
	list := func(query string) listing {
		t.Helper()
		rec, env := ts.do(t, http.MethodGet, "/api/subscriptions"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var l listing
		require.NoError(t, json.Unmarshal(env.Data, &l))
		return l
	}

	all := list("")
	assert.Len(t, all.Subscriptions, 2)
	assert.Equal(t, int64(140000+210000), all.ExpectedRevenue.Amount)
	assert.Equal(t, int64(70000+210000), all.CollectedToDate.Amount)

	valid := list("?state=valid")
	require.Len(t, valid.Subscriptions, 1)
	assert.Equal(t, current.ID, valid.Subscriptions[0].ID)
	assert.True(t, valid.Subscriptions[0].Valid)

	expired := list("?state=expired")
	require.Len(t, expired.Subscriptions, 1)
	assert.Equal(t, lapsed.ID, expired.Subscriptions[0].ID)
	assert.True(t, expired.Subscriptions[0].Expired)

	rec, _ = ts.do(t, http.MethodGet, "/api/subscriptions?state=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = ts.do(t, http.MethodPut, "/api/subscriptions/"+current.ID+"/extend", ExtendRequest{EndDate: today.AddDate(0, 3, 0).Format(time.DateOnly)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Subscription extended", env.Message)
	var extended struct {
		DurationMonths int `json:"duration_months"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &extended))
	assert.Equal(t, 3, extended.DurationMonths)

	rec, _ = ts.do(t, http.MethodPut, "/api/subscriptions/"+current.ID+"/extend", ExtendRequest{EndDate: "later"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = ts.do(t, http.MethodPut, "/api/subscriptions/missing/extend", ExtendRequest{EndDate: "2030-01-01"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payments PaymentsResponse
	require.NoError(t, json.Unmarshal(env.Data, &payments))
	assert.Equal(t, 3, payments.Count)
	var charged int64
	for _, p := range payments.Payments {
		assert.Equal(t, parking.SubjectSubscription, p.Subject.Kind)
		charged += p.Amount.Amount
	}
	assert.Equal(t, int64(210000+210000), charged)

	rec, _ = ts.do(t, http.MethodGet, "/api/payments?from=2024-02-01&to=2024-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/api/payments?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodDelete, "/api/subscriptions/"+lapsed.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ts.do(t, http.MethodDelete, "/api/subscriptions/"+lapsed.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, list("").Subscriptions, 1)
}
