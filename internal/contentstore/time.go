package contentstore

import "time"

const timeLayout = time.RFC3339Nano

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
