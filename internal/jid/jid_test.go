package jid_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/jobcache/internal/jid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 1000, time.Local)
	assert.Equal(t, "20240101120000000001", jid.Format(ts))
}

func TestFormat_TruncatesToMicroseconds(t *testing.T) {
	ts := time.Date(2023, 9, 5, 10, 21, 53, 496126999, time.Local)
	assert.Equal(t, "20230905102153496126", jid.Format(ts))
}

func TestParse_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 7, 14, 23, 59, 58, 123456000, time.Local)
	got, err := jid.Parse(jid.Format(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got), "want %v, got %v", ts, got)
}

func TestParse_Invalid(t *testing.T) {
	for _, id := range []string{
		"",
		"2024010112000000000",
		"202401011200000000012",
		"2024130112000000000a",
		"20241301120000000001",
		"2024010112000-000001",
	} {
		_, err := jid.Parse(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestToTime(t *testing.T) {
	assert.Equal(t, "2024, Jan 01 12:00:00.000001", jid.ToTime("20240101120000000001"))
	assert.Equal(t, "2012, Sep 05 10:21:53.496126", jid.ToTime("20120905102153496126"))
	assert.Equal(t, "", jid.ToTime("not-a-jid"))
}

func TestClock_Next(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 1000, time.Local)
	c := jid.NewClockFrom(func() time.Time { return ts })
	assert.Equal(t, "20240101120000000001", c.Next())
	assert.Len(t, jid.NewClock().Next(), jid.Len)
}
