// Package datetime implements the server-clock tool and its human-readable
// time formatting helpers.
package datetime

import (
	"fmt"
	"time"
)

// OrdinalSuffix returns the English ordinal suffix for a day number.
// Examples: 1 -> "st", 2 -> "nd", 3 -> "rd", 4 -> "th", 11 -> "th", 21 -> "st"
func OrdinalSuffix(day int) string {
	// Numbers ending in 11, 12, 13 always use "th".
	lastTwoDigits := day % 100
	if lastTwoDigits >= 11 && lastTwoDigits <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

// FormatHuman formats a time in a user-friendly way in the given location.
// Returns a string like "Friday, January 24th, 2025 - 14:30:05".
func FormatHuman(t time.Time, loc *time.Location) string {
	localTime := t.In(loc)

	weekday := localTime.Weekday().String()
	month := localTime.Month().String()
	day := localTime.Day()
	year := localTime.Year()
	suffix := OrdinalSuffix(day)

	return fmt.Sprintf("%s, %s %d%s, %d - %s",
		weekday, month, day, suffix, year, localTime.Format("15:04:05"))
}

// ResolveZone loads an IANA timezone name, falling back to the server zone
// when the name is empty or unknown.
func ResolveZone(name string) (*time.Location, string) {
	if name == "" {
		return time.Local, time.Local.String()
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local, time.Local.String()
	}
	return loc, name
}
