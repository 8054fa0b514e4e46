package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"parking-engine/internal/parking"
)

type Meta struct {
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    *Meta  `json:"meta,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Meta    *Meta  `json:"meta,omitempty"`
}

type RegisterVehicleRequest struct {
	Plate string `json:"plate"`
	Owner string `json:"owner"`
}

type AddSpaceRequest struct {
	Number string `json:"number"`
}

type PlateRequest struct {
	Plate string `json:"plate"`
}

type SubscribeRequest struct {
	Plate     string `json:"plate"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type RenewRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type ExtendRequest struct {
	EndDate string `json:"end_date"`
}

type SessionResponse struct {
	*parking.Session
	Duration  string        `json:"duration"`
	AmountDue parking.Money `json:"amount_due"`
}

type ExitResponse struct {
	SessionResponse
	PaymentRecorded bool `json:"payment_recorded"`
}

type VehicleResponse struct {
	*parking.Vehicle
	Sessions []SessionResponse `json:"sessions"`
}

type SpacesResponse struct {
	Total         int             `json:"total"`
	Occupied      int             `json:"occupied"`
	Free          int             `json:"free"`
	OccupancyRate float64         `json:"occupancy_rate"`
	Spaces        []parking.Space `json:"spaces"`
}

type SubscriptionResponse struct {
	*parking.Subscription
	DurationMonths int           `json:"duration_months"`
	TotalAmount    parking.Money `json:"total_amount"`
	PaidToDate     parking.Money `json:"paid_to_date"`
	Valid          bool          `json:"valid"`
	Expired        bool          `json:"expired"`
}

func newSubscriptionResponse(sub *parking.Subscription, today time.Time) SubscriptionResponse {
	return SubscriptionResponse{
		Subscription:   sub,
		DurationMonths: sub.DurationMonths(),
		TotalAmount:    sub.TotalAmount(),
		PaidToDate:     parking.AmountPaidToDate(sub, today),
		Valid:          sub.ValidAt(today),
		Expired:        sub.ExpiredAt(today),
	}
}

type SubscriptionListResponse struct {
	Subscriptions   []SubscriptionResponse `json:"subscriptions"`
	ExpectedRevenue parking.Money          `json:"expected_revenue"`
	CollectedToDate parking.Money          `json:"collected_to_date"`
}

type PaymentsResponse struct {
	From     string             `json:"from"`
	To       string             `json:"to"`
	Count    int                `json:"count"`
	Payments []*parking.Payment `json:"payments"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func extractMeta(ctx context.Context) *Meta {
	meta := &Meta{}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		meta.TraceID = span.SpanContext().TraceID().String()
	}

	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		meta.RequestID = reqID
	}

	return meta
}

func WriteSuccess(ctx context.Context, w http.ResponseWriter, message string, data any) {
	WriteStatus(ctx, w, http.StatusOK, message, data)
}

func WriteStatus(ctx context.Context, w http.ResponseWriter, status int, message string, data any) {
	WriteJSON(w, status, Response{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    extractMeta(ctx),
	})
}

func WriteError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Response{
		Success: false,
		Error:   message,
		Meta:    extractMeta(ctx),
	})
}
