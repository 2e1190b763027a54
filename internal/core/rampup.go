package core

import (
	"math"
	"time"
)

// AllowedToday returns how many warmup messages an account may send on the
// day of now. firstSent is the timestamp of the account's first warmup
// message, or nil when none was sent yet.
func AllowedToday(settings WarmupSettings, firstSent *time.Time, now time.Time) int {
	days := 0
	if firstSent != nil && now.After(*firstSent) {
		days = int(now.Sub(*firstSent) / (24 * time.Hour))
	}

	if settings.RampUpDays <= 0 {
		return settings.MaxDailyVolume
	}

	increasePerDay := float64(settings.MaxDailyVolume-settings.DailyStartVolume) / float64(settings.RampUpDays)
	allowed := int(math.Floor(float64(settings.DailyStartVolume) + increasePerDay*float64(days)))
	if allowed > settings.MaxDailyVolume {
		return settings.MaxDailyVolume
	}
	return allowed
}
