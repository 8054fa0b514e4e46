package parking

import (
	"fmt"
	"time"
)

// HourlyFee charges every started hour: ceil(minutes/60) * rate, where minutes
// is the elapsed time truncated to whole minutes. An exit at or before entry is
// an integrity problem; it yields zero together with ErrInvalidDuration.
func HourlyFee(entry, exit time.Time, rate Money) (Money, error) {
	if !exit.After(entry) {
		return Zero(rate.Currency), fmt.Errorf("%w: entry %s, exit %s",
			ErrInvalidDuration, entry.Format(time.RFC3339), exit.Format(time.RFC3339))
	}

	minutes := int64(exit.Sub(entry) / time.Minute)
	hours := (minutes + 59) / 60
	return rate.Multiply(hours), nil
}

// SessionFee is the amount owed at close. A valid subscription at exit waives
// the meter.
func SessionFee(entry, exit time.Time, rate Money, subscriberAtExit bool) (Money, error) {
	if subscriberAtExit {
		return Zero(rate.Currency), nil
	}
	return HourlyFee(entry, exit, rate)
}

// EstimatedFee is the live amount owed by a session still open at now.
func EstimatedFee(entry, now time.Time, rate Money, subscriber bool) Money {
	fee, err := SessionFee(entry, now, rate, subscriber)
	if err != nil {
		return Zero(rate.Currency)
	}
	return fee
}

// FormatDuration renders elapsed whole minutes as zero-padded "HH:MM".
// Negative durations render as "00:00".
func FormatDuration(d time.Duration) string {
	minutes := int64(d / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
