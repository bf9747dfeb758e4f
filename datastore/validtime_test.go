package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	t2 = time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
)

func TestIntersectClosesOpenEndedVersion(t *testing.T) {
	existing := ValidTimeEndingNow(t0)
	incoming := ValidTimePeriod(t1, t2)

	closed, update, err := IntersectValidTime(existing, incoming)
	require.NoError(t, err)
	require.True(t, update)
	assert.Equal(t, t0, closed.Begin())
	assert.Equal(t, t1, closed.End())
	assert.False(t, closed.EndsNow())
}

func TestIntersectOutOfOrderBeginsSplitSymmetrically(t *testing.T) {
	// The new version starts before the open version; the earlier begin
	// becomes the interval start.
	existing := ValidTimeEndingNow(t1)
	incoming := ValidTimePeriod(t0, t2)

	closed, update, err := IntersectValidTime(existing, incoming)
	require.NoError(t, err)
	require.True(t, update)
	assert.Equal(t, t0, closed.Begin())
	assert.Equal(t, t1, closed.End())
}

func TestIntersectRejectsTwoOpenEndedVersions(t *testing.T) {
	existing := ValidTimeEndingNow(t0)
	incoming := ValidTimeEndingNow(t1)

	_, _, err := IntersectValidTime(existing, incoming)
	assert.ErrorIs(t, err, ErrVersionOverlap)
}

func TestIntersectRejectsRetroactiveOpenEndedVersion(t *testing.T) {
	existing := ValidTimeEndingNow(t1)
	incoming := ValidTimeEndingNow(t0)

	_, _, err := IntersectValidTime(existing, incoming)
	assert.ErrorIs(t, err, ErrVersionOverlap)
}

func TestIntersectLeavesDisjointVersionsAlone(t *testing.T) {
	existing := ValidTimePeriod(t0, t1)
	incoming := ValidTimePeriod(t1, t2)

	_, update, err := IntersectValidTime(existing, incoming)
	require.NoError(t, err)
	assert.False(t, update)
}

func TestFormatTimeClampsToSentinels(t *testing.T) {
	assert.Equal(t, "-infinity", FormatTime(MinTime))
	assert.Equal(t, "infinity", FormatTime(MaxTime))
	assert.Equal(t, "2023-01-01T00:00:00Z", FormatTime(t0))
}

func TestParseTimeAcceptsPostgresTextForms(t *testing.T) {
	got, err := ParseTime("2023-01-01 00:00:00+00")
	require.NoError(t, err)
	assert.True(t, got.Equal(t0))

	got, err = ParseTime("-infinity")
	require.NoError(t, err)
	assert.True(t, got.Equal(MinTime))

	_, err = ParseTime("not a time")
	assert.Error(t, err)
}

func TestFormatRangeUsesInfinityForOpenEnd(t *testing.T) {
	assert.Equal(t, "[2023-01-01T00:00:00Z,infinity]", FormatRange(ValidTimeEndingNow(t0)))
	assert.Equal(t, "[2023-01-01T00:00:00Z,2023-06-01T00:00:00Z]", FormatRange(ValidTimePeriod(t0, t1)))
}

func TestParseRangeRoundTrip(t *testing.T) {
	vt, err := ParseRange("2023-01-01 00:00:00+00", "infinity")
	require.NoError(t, err)
	assert.True(t, vt.EndsNow())
	assert.True(t, vt.Begin().Equal(t0))

	vt, err = ParseRange("2023-01-01 00:00:00+00", "2023-06-01 00:00:00+00")
	require.NoError(t, err)
	assert.False(t, vt.EndsNow())
	assert.True(t, vt.End().Equal(t1))
}
