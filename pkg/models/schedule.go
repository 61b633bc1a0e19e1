package models

import (
	"time"

	"github.com/robfig/cron/v3"
)

// NextFire computes the next firing time of a time_elapsed workflow's cron
// schedule after the given instant. Schedules use the standard five-field
// cron syntax.
func NextFire(schedule string, after time.Time) (time.Time, error) {
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, NewConfigurationError("invalid schedule %q: %v", schedule, err)
	}

	return spec.Next(after), nil
}
