package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"parking-engine/internal/logging"
	"parking-engine/internal/parking"
)

type Handler struct {
	ledger      parking.Ledger
	serviceName string
}

func NewHandler(ledger parking.Ledger, serviceName string) *Handler {
	return &Handler{ledger: ledger, serviceName: serviceName}
}

var statusByError = []struct {
	err    error
	status int
}{
	{parking.ErrVehicleUnregistered, http.StatusNotFound},
	{parking.ErrNoActiveSession, http.StatusNotFound},
	{parking.ErrSessionNotFound, http.StatusNotFound},
	{parking.ErrSpaceNotFound, http.StatusNotFound},
	{parking.ErrSubscriptionNotFound, http.StatusNotFound},
	{parking.ErrAlreadyParked, http.StatusConflict},
	{parking.ErrNoSpaceAvailable, http.StatusConflict},
	{parking.ErrSessionOpen, http.StatusConflict},
	{parking.ErrSpaceNotFree, http.StatusConflict},
	{parking.ErrSpaceNotOccupied, http.StatusConflict},
	{parking.ErrSpaceExists, http.StatusConflict},
	{parking.ErrAlreadySubscribed, http.StatusConflict},
	{parking.ErrInvalidPlate, http.StatusBadRequest},
	{parking.ErrInvalidSpace, http.StatusBadRequest},
	{parking.ErrEndBeforeStart, http.StatusBadRequest},
	{parking.ErrInvalidDuration, http.StatusBadRequest},
	{parking.ErrStorageUnavailable, http.StatusServiceUnavailable},
}

func statusFor(err error) int {
	for _, s := range statusByError {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(ctx).ErrorContext(ctx, "request failed", "error", err.Error())
	}
	WriteError(ctx, w, status, parking.Message(err))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(r.Context(), w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: h.serviceName,
		Meta:    extractMeta(r.Context()),
	})
}

func (h *Handler) RegisterVehicle(w http.ResponseWriter, r *http.Request) {
	var req RegisterVehicleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Owner == "" {
		WriteError(r.Context(), w, http.StatusBadRequest, "Owner is required")
		return
	}

	vehicle, err := h.ledger.RegisterVehicle(r.Context(), req.Plate, req.Owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteStatus(r.Context(), w, http.StatusCreated, "Vehicle registered", vehicle)
}

func (h *Handler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	plate := chi.URLParam(r, "plate")

	vehicle, err := h.ledger.Vehicle(ctx, plate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	history, err := h.ledger.History(ctx, plate)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := VehicleResponse{Vehicle: vehicle, Sessions: make([]SessionResponse, 0, len(history))}
	for _, s := range history {
		sr, err := h.sessionResponse(r, s)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.Sessions = append(resp.Sessions, sr)
	}
	WriteSuccess(ctx, w, "", resp)
}

func (h *Handler) ListSpaces(w http.ResponseWriter, r *http.Request) {
	pool := h.ledger.Pool()
	WriteSuccess(r.Context(), w, "", SpacesResponse{
		Total:         pool.TotalCount(),
		Occupied:      pool.OccupiedCount(),
		Free:          pool.FreeCount(),
		OccupancyRate: pool.OccupancyRate(),
		Spaces:        pool.Spaces(),
	})
}

func (h *Handler) AddSpace(w http.ResponseWriter, r *http.Request) {
	var req AddSpaceRequest
	if !decode(w, r, &req) {
		return
	}

	space, err := h.ledger.Pool().AddSpace(r.Context(), req.Number)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteStatus(r.Context(), w, http.StatusCreated, "Space added", space)
}

func (h *Handler) RemoveSpace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ledger.Pool().RemoveSpace(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	WriteSuccess(r.Context(), w, "Space removed", map[string]any{"id": id})
}

func (h *Handler) Enter(w http.ResponseWriter, r *http.Request) {
	var req PlateRequest
	if !decode(w, r, &req) {
		return
	}

	session, err := h.ledger.OpenSession(r.Context(), req.Plate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sr, err := h.sessionResponse(r, session)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteStatus(r.Context(), w, http.StatusCreated, "Allocated space number: "+session.SpaceNumber, sr)
}

// Exit answers 200 even when the payment could not be recorded: the vehicle
// has left and the space is free. payment_recorded tells the caller to settle.
func (h *Handler) Exit(w http.ResponseWriter, r *http.Request) {
	var req PlateRequest
	if !decode(w, r, &req) {
		return
	}

	session, err := h.ledger.CloseSession(r.Context(), req.Plate)
	if session == nil {
		h.fail(w, r, err)
		return
	}

	resp := ExitResponse{
		SessionResponse: SessionResponse{
			Session:   session,
			Duration:  h.ledger.DurationLabel(session),
			AmountDue: session.Fee,
		},
		PaymentRecorded: err == nil,
	}
	message := "Space " + session.SpaceNumber + " is free"
	if err != nil {
		logging.WithContext(r.Context()).WarnContext(r.Context(), "exit without payment", "session_id", session.ID, "error", err.Error())
		message = parking.Message(err)
	}
	WriteSuccess(r.Context(), w, message, resp)
}

func (h *Handler) OpenSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.ledger.OpenSessions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		sr, err := h.sessionResponse(r, s)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp = append(resp, sr)
	}
	WriteSuccess(r.Context(), w, "", resp)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.ledger.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sr, err := h.sessionResponse(r, session)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteSuccess(r.Context(), w, "", sr)
}

func (h *Handler) SettlePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	paymentID, err := h.ledger.SettlePayment(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	message := "Payment recorded"
	if paymentID == "" {
		message = "Nothing to pay"
	}
	WriteSuccess(r.Context(), w, message, map[string]any{
		"session_id": id,
		"payment_id": paymentID,
	})
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decode(w, r, &req) {
		return
	}
	start, end, ok := parseWindow(w, r, req.StartDate, req.EndDate)
	if !ok {
		return
	}

	sub, err := h.ledger.Subscribe(r.Context(), req.Plate, start, end)
	h.writeSubscription(w, r, http.StatusCreated, "Subscription created", sub, err)
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vehicle, err := h.ledger.Vehicle(ctx, chi.URLParam(r, "plate"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sub, err := h.ledger.Subscriptions().ByVehicle(ctx, vehicle.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteSuccess(ctx, w, "", newSubscriptionResponse(sub, h.ledger.Now()))
}

func (h *Handler) RenewSubscription(w http.ResponseWriter, r *http.Request) {
	var req RenewRequest
	if !decode(w, r, &req) {
		return
	}
	start, end, ok := parseWindow(w, r, req.StartDate, req.EndDate)
	if !ok {
		return
	}

	sub, err := h.ledger.RenewSubscription(r.Context(), chi.URLParam(r, "id"), start, end)
	h.writeSubscription(w, r, http.StatusOK, "Subscription renewed", sub, err)
}

func (h *Handler) ExtendSubscription(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if !decode(w, r, &req) {
		return
	}
	end, err := time.Parse(time.DateOnly, req.EndDate)
	if err != nil {
		WriteError(r.Context(), w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}

	sub, err := h.ledger.ExtendSubscription(r.Context(), chi.URLParam(r, "id"), end)
	h.writeSubscription(w, r, http.StatusOK, "Subscription extended", sub, err)
}

func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ledger.Subscriptions().Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	WriteSuccess(r.Context(), w, "Subscription deleted", map[string]any{"id": id})
}

// ListSubscriptions filters by ?state=valid|expired|all (default all) and
// always reports revenue over every subscription.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	registry := h.ledger.Subscriptions()
	today := h.ledger.Now()

	var (
		subs []*parking.Subscription
		err  error
	)
	switch r.URL.Query().Get("state") {
	case "", "all":
		subs, err = registry.List(ctx)
	case "valid":
		subs, err = registry.ListValid(ctx, today)
	case "expired":
		subs, err = registry.ListExpired(ctx, today)
	default:
		WriteError(ctx, w, http.StatusBadRequest, "state must be valid, expired or all")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	expected, err := registry.ExpectedRevenue(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	collected, err := registry.CollectedToDate(ctx, today)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := SubscriptionListResponse{
		Subscriptions:   make([]SubscriptionResponse, 0, len(subs)),
		ExpectedRevenue: expected,
		CollectedToDate: collected,
	}
	for _, sub := range subs {
		resp.Subscriptions = append(resp.Subscriptions, newSubscriptionResponse(sub, today))
	}
	WriteSuccess(ctx, w, "", resp)
}

// ListPayments returns payments between ?from and ?to, both inclusive civil
// dates. Either defaults to today.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	today := parking.DateOf(h.ledger.Now()).Format(time.DateOnly)
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" {
		from = today
	}
	if to == "" {
		to = today
	}
	start, end, ok := parseWindow(w, r, from, to)
	if !ok {
		return
	}
	if end.Before(start) {
		h.fail(w, r, parking.ErrEndBeforeStart)
		return
	}

	payments, err := h.ledger.Payments().List(r.Context(), start, end.AddDate(0, 0, 1))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if payments == nil {
		payments = []*parking.Payment{}
	}
	WriteSuccess(r.Context(), w, "", PaymentsResponse{
		From:     from,
		To:       to,
		Count:    len(payments),
		Payments: payments,
	})
}

// writeSubscription reports a stored subscription whose charge failed as a
// success carrying the failure message.
func (h *Handler) writeSubscription(w http.ResponseWriter, r *http.Request, status int, message string, sub *parking.Subscription, err error) {
	if sub == nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		message = parking.Message(err)
	}
	WriteStatus(r.Context(), w, status, message, newSubscriptionResponse(sub, h.ledger.Now()))
}

func (h *Handler) sessionResponse(r *http.Request, s *parking.Session) (SessionResponse, error) {
	due, err := h.ledger.AmountDue(r.Context(), s)
	if err != nil {
		return SessionResponse{}, err
	}
	return SessionResponse{
		Session:   s,
		Duration:  h.ledger.DurationLabel(s),
		AmountDue: due,
	}, nil
}

func parseWindow(w http.ResponseWriter, r *http.Request, from, to string) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		WriteError(r.Context(), w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		WriteError(r.Context(), w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
