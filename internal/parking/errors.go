package parking

import (
	"errors"
	"fmt"
)

var (
	// Entry and exit.
	ErrVehicleUnregistered = errors.New("parking: vehicle not registered")
	ErrAlreadyParked       = errors.New("parking: vehicle already parked")
	ErrNoSpaceAvailable    = errors.New("parking: no space available")
	ErrNoActiveSession     = errors.New("parking: no active session")
	ErrSessionNotFound     = errors.New("parking: session not found")
	ErrSessionOpen         = errors.New("parking: session still open")

	// Space table. ErrSpaceNotOccupied and ErrSpaceNotFree mean the pool and the
	// ledger disagree; they are not expected under correct orchestration.
	ErrSpaceNotOccupied = errors.New("parking: space not occupied")
	ErrSpaceNotFree     = errors.New("parking: space not free")
	ErrSpaceNotFound    = errors.New("parking: space not found")
	ErrSpaceExists      = errors.New("parking: space number already exists")
	ErrInvalidSpace     = errors.New("parking: invalid space number")

	// ErrInvariantViolated is reported by CheckInvariants.
	ErrInvariantViolated = errors.New("parking: occupancy invariant violated")

	// Subscriptions.
	ErrAlreadySubscribed    = errors.New("parking: vehicle already subscribed")
	ErrEndBeforeStart       = errors.New("parking: end date before start date")
	ErrSubscriptionNotFound = errors.New("parking: subscription not found")

	// Vehicles and billing.
	ErrInvalidPlate       = errors.New("parking: invalid plate")
	ErrInvalidDuration    = errors.New("parking: exit time not after entry time")
	ErrPaymentNotRecorded = errors.New("parking: payment not recorded")

	// ErrStorageUnavailable wraps collaborator I/O failures once retries are spent.
	ErrStorageUnavailable = errors.New("parking: storage unavailable")
)

var messages = []struct {
	err error
	msg string
}{
	{ErrVehicleUnregistered, "Vehicle is not registered. Register the vehicle first"},
	{ErrAlreadyParked, "This vehicle is already in the car park"},
	{ErrNoSpaceAvailable, "No parking space available"},
	{ErrNoActiveSession, "This vehicle is not in the car park"},
	{ErrSessionNotFound, "Session not found"},
	{ErrSessionOpen, "Session is still open"},
	{ErrSpaceNotOccupied, "Space is not occupied"},
	{ErrSpaceNotFree, "Space is not free"},
	{ErrSpaceNotFound, "Space not found"},
	{ErrSpaceExists, "A space with this number already exists"},
	{ErrInvalidSpace, "Space number must not be empty"},
	{ErrInvariantViolated, "Occupancy and sessions disagree"},
	{ErrAlreadySubscribed, "This vehicle already has a subscription"},
	{ErrEndBeforeStart, "End date must not be before start date"},
	{ErrSubscriptionNotFound, "Subscription not found"},
	{ErrInvalidPlate, "Invalid plate number"},
	{ErrInvalidDuration, "Exit time must be after entry time"},
	{ErrPaymentNotRecorded, "Session closed but the payment could not be recorded"},
	{ErrStorageUnavailable, "Storage is unavailable, try again later"},
}

// Message returns the operator-facing text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range messages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return "Internal error"
}

// IsDomain reports whether err wraps one of the package's sentinel errors.
func IsDomain(err error) bool {
	for _, m := range messages {
		if errors.Is(err, m.err) {
			return true
		}
	}
	return false
}

// storageError wraps a collaborator failure as ErrStorageUnavailable unless it
// already carries a domain error.
func storageError(op string, err error) error {
	if err == nil || IsDomain(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
