// Package jid generates and decodes job ids.
//
// A job id is the local wall-clock time at microsecond resolution laid out
// as YYYYMMDDhhmmssffffff, so ids sort in dispatch order.
package jid

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// Len is the length of a well-formed job id.
	Len = 20

	layout = "20060102150405"
)

var months = [...]string{"", "Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// Generator produces candidate job ids. Uniqueness is not required of it;
// reservation in the store guarantees that.
type Generator interface {
	Next() string
}

// Clock generates ids from a time source.
type Clock struct {
	now func() time.Time
}

// NewClock returns a Generator reading time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockFrom returns a Generator reading now, for tests.
func NewClockFrom(now func() time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Next() string {
	return Format(c.now())
}

// Format renders t as a job id.
func Format(t time.Time) string {
	return t.Format(layout) + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
}

// Parse decodes a job id into the local time it encodes.
func Parse(id string) (time.Time, error) {
	if len(id) != Len {
		return time.Time{}, fmt.Errorf("job id %q: want %d digits", id, Len)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return time.Time{}, fmt.Errorf("job id %q: want %d digits", id, Len)
		}
	}
	t, err := time.ParseInLocation(layout, id[:14], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("job id %q: %w", id, err)
	}
	micro, err := strconv.Atoi(id[14:])
	if err != nil {
		return time.Time{}, fmt.Errorf("job id %q: %w", id, err)
	}
	return t.Add(time.Duration(micro) * time.Microsecond), nil
}

// ToTime renders the start time embedded in id for display, for example
// "2024, Jan 01 12:00:00.000001". Malformed ids yield "".
func ToTime(id string) string {
	if _, err := Parse(id); err != nil {
		return ""
	}
	month, _ := strconv.Atoi(id[4:6])
	return fmt.Sprintf("%s, %s %s %s:%s:%s.%s",
		id[:4], months[month], id[6:8], id[8:10], id[10:12], id[12:14], id[14:])
}
