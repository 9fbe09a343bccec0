package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var january = Period{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
}

func day(n int) time.Time {
	return january.Start.AddDate(0, 0, n-1)
}

func TestComputeJanuaryScenario(t *testing.T) {
	res := Compute(january, map[string][]Event{
		"a": nil,
		"b": {{Kind: Join, At: day(3)}, {Kind: Leave, At: day(10)}},
	})

	require.Len(t, res.Users, 2)
	assert.Equal(t, "a", res.Users[0].Username)
	assert.EqualValues(t, 31, res.Users[0].ActiveDays)
	assert.EqualValues(t, 0, res.Users[0].UnusedDays)

	assert.Equal(t, "b", res.Users[1].Username)
	assert.EqualValues(t, 7, res.Users[1].ActiveDays)
	assert.EqualValues(t, 24, res.Users[1].UnusedDays)

	assert.EqualValues(t, 38, res.BillableUnits)
}

func TestComputeUserWithoutLeaveIsBilledToEnd(t *testing.T) {
	u := ComputeUser(january, []Event{{Kind: Join, At: day(1)}})
	assert.EqualValues(t, 31, u.ActiveDays)
	assert.EqualValues(t, 31*secondsPerDay, u.ActiveSeconds)
	assert.Zero(t, u.UnusedSeconds)
}

func TestComputeUserLeaveBeforeEndAccruesUnused(t *testing.T) {
	u := ComputeUser(january, []Event{{Kind: Leave, At: day(21)}})
	assert.EqualValues(t, 20, u.ActiveDays)
	assert.EqualValues(t, 11, u.UnusedDays)
}

func TestComputeUserIgnoresLeaveWithoutOpenInterval(t *testing.T) {
	u := ComputeUser(january, []Event{
		{Kind: Leave, At: day(5)},
		{Kind: Leave, At: day(5).Add(time.Hour)},
	})
	assert.EqualValues(t, 4, u.ActiveDays)
	assert.EqualValues(t, 4*secondsPerDay, u.ActiveSeconds)
}

func TestComputeUserSortsEvents(t *testing.T) {
	ordered := ComputeUser(january, []Event{
		{Kind: Join, At: day(3)},
		{Kind: Leave, At: day(10)},
		{Kind: Join, At: day(20)},
	})
	shuffled := ComputeUser(january, []Event{
		{Kind: Join, At: day(20)},
		{Kind: Leave, At: day(10)},
		{Kind: Join, At: day(3)},
	})
	assert.Equal(t, ordered, shuffled)
	// 7 days until the leave, then day 20 through the end of the month
	assert.EqualValues(t, 7+12, ordered.ActiveDays)
}

func TestComputeUserDropsEventsOutsidePeriod(t *testing.T) {
	u := ComputeUser(january, []Event{
		{Kind: Leave, At: january.Start.Add(-time.Hour)},
		{Kind: Leave, At: january.End},
	})
	assert.EqualValues(t, 31, u.ActiveDays)
}

func TestRoundingIsPerUser(t *testing.T) {
	// each user is active for 1.4 days: 1 + 1 rounded per user, 3 if summed first
	short := Period{Start: january.Start, End: january.Start.Add(36 * time.Hour)}
	leaveAt := short.Start.Add(time.Duration(1.4 * float64(24*time.Hour)))

	res := Compute(short, map[string][]Event{
		"a": {{Kind: Leave, At: leaveAt}},
		"b": {{Kind: Leave, At: leaveAt}},
	})
	assert.EqualValues(t, 1, res.Users[0].ActiveDays)
	assert.EqualValues(t, 2, res.BillableUnits)
}

func TestComputeIsDeterministic(t *testing.T) {
	events := map[string][]Event{
		"z": {{Kind: Join, At: day(2)}},
		"m": {{Kind: Leave, At: day(9)}},
		"a": nil,
	}
	assert.Equal(t, Compute(january, events), Compute(january, events))
}

func TestPeriodValid(t *testing.T) {
	assert.True(t, january.Valid())
	assert.False(t, Period{Start: january.End, End: january.Start}.Valid())
	assert.False(t, Period{Start: january.Start, End: january.Start}.Valid())
}
