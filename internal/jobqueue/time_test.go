package jobqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTime_RoundTrips(t *testing.T) {
	now := timeNow().Truncate(0)
	got := parseTime(now.Format(timeLayout))
	assert.True(t, now.Equal(got))
}

func TestParseTime_InvalidReturnsZeroValue(t *testing.T) {
	assert.True(t, parseTime("garbage").IsZero())
}
