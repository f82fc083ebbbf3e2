package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun_CronInTimezone(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextRun("0 9 * * *", "Europe/Berlin", after, after)
	require.NoError(t, err)
	// 09:00 in Berlin (UTC+1 in March before DST) is 08:00 UTC.
	assert.Equal(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), next)
}

func TestNextRun_CronUTC(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRun("@hourly", "", after, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), next)
}

func TestNextRun_KeywordKeepsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 09:00 Berlin the day before the spring DST switch.
	prev := time.Date(2026, 3, 28, 9, 0, 0, 0, loc)
	next, err := NextRun(RepeatDaily, "Europe/Berlin", prev, prev)
	require.NoError(t, err)

	assert.Equal(t, 9, next.In(loc).Hour())
	assert.Equal(t, 29, next.In(loc).Day())
}

func TestNextRun_KeywordCatchesUp(t *testing.T) {
	prev := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	after := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	next, err := NextRun(RepeatWeekly, "", prev, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 22, 9, 0, 0, 0, time.UTC), next)

	next, err = NextRun(RepeatMonthly, "", prev, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), next)
}

func TestValidateRecurrence(t *testing.T) {
	assert.NoError(t, ValidateRecurrence("daily", ""))
	assert.NoError(t, ValidateRecurrence("*/5 * * * *", "America/New_York"))
	assert.Error(t, ValidateRecurrence("every tuesday", ""))
	assert.Error(t, ValidateRecurrence("daily", "Mars/Olympus"))
}
