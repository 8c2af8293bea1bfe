package contentstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTime_RoundTrips(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Nanosecond)
	got := parseTime(now.Format(timeLayout))
	assert.True(t, now.Equal(got))
}

func TestParseTime_InvalidReturnsZeroValue(t *testing.T) {
	assert.True(t, parseTime("not-a-time").IsZero())
}
