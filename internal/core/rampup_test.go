package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func rampSettings() WarmupSettings {
	return WarmupSettings{DailyStartVolume: 5, MaxDailyVolume: 40, RampUpDays: 30, ThrottlePerHour: 10}
}

func TestAllowedToday(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	s := rampSettings()

	assert.Equal(t, 5, AllowedToday(s, nil, now), "no sends yet")

	first := now.Add(-15 * 24 * time.Hour)
	assert.Equal(t, 22, AllowedToday(s, &first, now))

	first = now.Add(-30 * 24 * time.Hour)
	assert.Equal(t, 40, AllowedToday(s, &first, now))

	first = now.Add(-400 * 24 * time.Hour)
	assert.Equal(t, 40, AllowedToday(s, &first, now))

	future := now.Add(time.Hour)
	assert.Equal(t, 5, AllowedToday(s, &future, now))
}

func TestAllowedTodayWithoutRamp(t *testing.T) {
	s := rampSettings()
	s.RampUpDays = 0
	assert.Equal(t, 40, AllowedToday(s, nil, time.Now()))
}

func TestAllowedTodayIsMonotonic(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	for _, s := range []WarmupSettings{
		rampSettings(),
		{DailyStartVolume: 1, MaxDailyVolume: 7, RampUpDays: 45},
		{DailyStartVolume: 10, MaxDailyVolume: 10, RampUpDays: 3},
	} {
		prev := 0
		for day := 0; day <= 120; day++ {
			first := now.Add(-time.Duration(day) * 24 * time.Hour)
			got := AllowedToday(s, &first, now)
			assert.GreaterOrEqual(t, got, prev, "day %d", day)
			assert.GreaterOrEqual(t, got, s.DailyStartVolume)
			assert.LessOrEqual(t, got, s.MaxDailyVolume)
			prev = got
		}
	}
}
