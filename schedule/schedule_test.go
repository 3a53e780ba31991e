package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangamhq/jobengine/errors"
)

func TestIntervalNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextRun(Every(5*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), next)
}

func TestCronNextRun(t *testing.T) {
	// Daily at 03:00 UTC.
	sched := Cron("0 3 * * *", "")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextRun(sched, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)
}

func TestCronNextRunHonorsTimezone(t *testing.T) {
	sched := Cron("0 3 * * *", "America/New_York")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextRun(sched, now)
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, loc), next.In(loc))
}

func TestNextRunIsDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, sched := range []Schedule{
		Every(30 * time.Second),
		Cron("*/15 * * * *", ""),
		Cron("0 0 1 * *", "Asia/Kolkata"),
	} {
		first, err := NextRun(sched, now)
		require.NoError(t, err)
		second, err := NextRun(sched, now)
		require.NoError(t, err)
		assert.True(t, first.Equal(second), "same inputs must give same next run for %s", sched.Describe())
		assert.True(t, first.After(now), "next run must be strictly after now for %s", sched.Describe())
	}
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
		want  error
	}{
		{"zero interval", Schedule{Kind: KindInterval, Seconds: 0}, ErrInvalidSchedule},
		{"negative interval", Schedule{Kind: KindInterval, Seconds: -5}, ErrInvalidSchedule},
		{"too few cron fields", Cron("* * *", ""), ErrInvalidCronExpression},
		{"garbage cron", Cron("not a cron", ""), ErrInvalidCronExpression},
		{"unknown timezone", Cron("0 3 * * *", "Mars/Olympus"), ErrInvalidSchedule},
		{"unknown kind", Schedule{Kind: "hourly"}, ErrInvalidSchedule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestValidateAcceptsGoodSchedules(t *testing.T) {
	assert.NoError(t, Every(time.Minute).Validate())
	assert.NoError(t, Cron("30 2 * * 0", "").Validate())
	assert.NoError(t, Cron("0 9 * * 1-5", "Europe/Berlin").Validate())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "every 5m0s", Every(5*time.Minute).Describe())
	assert.Equal(t, "cron 0 3 * * *", Cron("0 3 * * *", "").Describe())
	assert.Equal(t, "cron 0 3 * * * (UTC)", Cron("0 3 * * *", "UTC").Describe())
}
