package jobqueue

import "time"

const timeLayout = time.RFC3339Nano

func timeNow() time.Time { return time.Now().UTC() }

func nowString() string { return timeNow().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
