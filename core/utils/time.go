package utils

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

func NowUTC() time.Time {
	return time.Now().UTC()
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}
