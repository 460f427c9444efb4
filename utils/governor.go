package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pacing reasons surfaced by the governor when a send is deferred
const (
	DeferOutsideWindow = "outside send window"
	DeferDailyLimit    = "daily limit reached"
	DeferInterval      = "inter-send delay not elapsed"
)

// GovernorInput carries everything the rate/window decision needs. SentToday
// and LastSentAt are derived from CampaignEmail timestamps each tick, never
// cached, so the decision stays correct across restarts and replays.
type GovernorInput struct {
	Now             time.Time
	DailyLimit      int
	SendWindowStart string // "HH:MM", empty disables the window check
	SendWindowEnd   string
	MinInterval     time.Duration
	SentToday       int
	LastSentAt      *time.Time
}

// SendDecision is the governor verdict for a single campaign at one moment
type SendDecision struct {
	Allowed bool
	Reason  string
}

// MaySend decides whether "now" is an eligible send moment for a campaign:
// inside the time-of-day window, under the daily cap, and past the
// inter-send delay.
func MaySend(in GovernorInput) SendDecision {
	if in.SendWindowStart != "" && in.SendWindowEnd != "" {
		inside, err := withinWindow(in.Now, in.SendWindowStart, in.SendWindowEnd)
		if err != nil || !inside {
			return SendDecision{Allowed: false, Reason: DeferOutsideWindow}
		}
	}

	if in.DailyLimit > 0 && in.SentToday >= in.DailyLimit {
		return SendDecision{Allowed: false, Reason: DeferDailyLimit}
	}

	if in.MinInterval > 0 && in.LastSentAt != nil {
		if in.Now.Sub(*in.LastSentAt) < in.MinInterval {
			return SendDecision{Allowed: false, Reason: DeferInterval}
		}
	}

	return SendDecision{Allowed: true}
}

// DayStart returns the local midnight preceding t. The day boundary is
// server-local time; campaigns carry no timezone field.
func DayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// withinWindow reports whether t's time-of-day falls in [start, end].
// A window whose start is after its end wraps across midnight.
func withinWindow(t time.Time, start, end string) (bool, error) {
	startMin, err := parseClock(start)
	if err != nil {
		return false, err
	}
	endMin, err := parseClock(end)
	if err != nil {
		return false, err
	}

	nowMin := t.Hour()*60 + t.Minute()
	if startMin <= endMin {
		return nowMin >= startMin && nowMin <= endMin, nil
	}
	return nowMin >= startMin || nowMin <= endMin, nil
}

// ValidClock reports whether s is a well-formed "HH:MM" value
func ValidClock(s string) bool {
	_, err := parseClock(s)
	return err == nil
}

// parseClock parses "HH:MM" into minutes since midnight
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}
