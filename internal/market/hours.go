package market

import "time"

// eastern is the exchange time zone. Loaded once; the zoneinfo database
// handles DST transitions.
var eastern = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("market: load America/New_York: " + err.Error())
	}
	return loc
}

// MinuteOfDay is minutes since midnight ET, the unit all session windows
// are expressed in.
type MinuteOfDay int

// Session boundaries in minutes since midnight ET.
const (
	PremarketStart MinuteOfDay = 4 * 60           // 04:00
	RegularOpen    MinuteOfDay = 9*60 + 30        // 09:30
	OR5End         MinuteOfDay = 9*60 + 35        // 09:35
	OR15End        MinuteOfDay = 9*60 + 45        // 09:45
	RegularClose   MinuteOfDay = 16 * 60          // 16:00
)

// ToEastern converts a UTC timestamp to exchange-local time.
func ToEastern(t time.Time) time.Time {
	return t.In(eastern)
}

// EasternDate returns the ET calendar date of a UTC timestamp.
func EasternDate(t time.Time) (year int, month time.Month, day int) {
	return t.In(eastern).Date()
}

// EasternMinute returns the ET minute-of-day of a UTC timestamp.
func EasternMinute(t time.Time) MinuteOfDay {
	et := t.In(eastern)
	return MinuteOfDay(et.Hour()*60 + et.Minute())
}

// SameEasternDay reports whether two timestamps fall on the same ET date.
func SameEasternDay(a, b time.Time) bool {
	ay, am, ad := EasternDate(a)
	by, bm, bd := EasternDate(b)
	return ay == by && am == bm && ad == bd
}

// InPremarket reports whether t is inside the 04:00-09:30 ET window.
func InPremarket(t time.Time) bool {
	m := EasternMinute(t)
	return m >= PremarketStart && m < RegularOpen
}

// InRegularHours reports whether t is inside [09:30, 16:00) ET.
func InRegularHours(t time.Time) bool {
	m := EasternMinute(t)
	return m >= RegularOpen && m < RegularClose
}

// InOpeningRange5 reports whether t is inside [09:30, 09:35) ET.
func InOpeningRange5(t time.Time) bool {
	m := EasternMinute(t)
	return m >= RegularOpen && m < OR5End
}

// InOpeningRange15 reports whether t is inside [09:30, 09:45) ET.
func InOpeningRange15(t time.Time) bool {
	m := EasternMinute(t)
	return m >= RegularOpen && m < OR15End
}

// AtOrAfterEastern reports whether t's ET time-of-day is at or past the
// given hour and minute. Used for the simulator's time-exit cutoff.
func AtOrAfterEastern(t time.Time, hour, minute int) bool {
	return EasternMinute(t) >= MinuteOfDay(hour*60+minute)
}
