package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 26, hour, minute, 0, 0, time.Local)
}

func TestMaySendInsideWindow(t *testing.T) {
	d := MaySend(GovernorInput{
		Now:             at(10, 30),
		DailyLimit:      50,
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
	})
	assert.True(t, d.Allowed)
}

func TestMaySendOutsideWindow(t *testing.T) {
	d := MaySend(GovernorInput{
		Now:             at(18, 0),
		DailyLimit:      50,
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, DeferOutsideWindow, d.Reason)
}

func TestMaySendWindowWrapsMidnight(t *testing.T) {
	in := GovernorInput{SendWindowStart: "22:00", SendWindowEnd: "06:00"}

	in.Now = at(23, 0)
	assert.True(t, MaySend(in).Allowed)

	in.Now = at(5, 0)
	assert.True(t, MaySend(in).Allowed)

	in.Now = at(12, 0)
	assert.False(t, MaySend(in).Allowed)
}

func TestMaySendEmptyWindowMeansAlways(t *testing.T) {
	d := MaySend(GovernorInput{Now: at(3, 0)})
	assert.True(t, d.Allowed)
}

func TestMaySendDailyLimit(t *testing.T) {
	in := GovernorInput{Now: at(12, 0), DailyLimit: 50, SentToday: 49}
	assert.True(t, MaySend(in).Allowed)

	in.SentToday = 50
	d := MaySend(in)
	assert.False(t, d.Allowed)
	assert.Equal(t, DeferDailyLimit, d.Reason)
}

func TestMaySendZeroLimitIsUnlimited(t *testing.T) {
	d := MaySend(GovernorInput{Now: at(12, 0), DailyLimit: 0, SentToday: 100000})
	assert.True(t, d.Allowed)
}

func TestMaySendInterval(t *testing.T) {
	last := at(12, 0)
	in := GovernorInput{
		Now:         at(12, 1),
		MinInterval: 2 * time.Minute,
		LastSentAt:  &last,
	}
	d := MaySend(in)
	assert.False(t, d.Allowed)
	assert.Equal(t, DeferInterval, d.Reason)

	in.Now = at(12, 3)
	assert.True(t, MaySend(in).Allowed)
}

func TestMaySendIntervalIgnoredOnFirstSend(t *testing.T) {
	d := MaySend(GovernorInput{Now: at(12, 0), MinInterval: time.Hour})
	assert.True(t, d.Allowed)
}

func TestDayStart(t *testing.T) {
	got := DayStart(at(15, 42))
	assert.Equal(t, at(0, 0), got)
}

func TestValidClock(t *testing.T) {
	assert.True(t, ValidClock("00:00"))
	assert.True(t, ValidClock("23:59"))
	assert.False(t, ValidClock("24:00"))
	assert.False(t, ValidClock("12:60"))
	assert.False(t, ValidClock("9am"))
	assert.False(t, ValidClock(""))
}
