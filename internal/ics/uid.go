package ics

import (
	"regexp"
	"strings"
)

// Source types with known UID conventions.
const (
	SourceAirbnb   = "airbnb"
	SourceVrbo     = "vrbo"
	SourceBooking  = "booking"
	SourceHostaway = "hostaway"
	SourceOther    = "other"
)

// Providers that re-export the same stay with a varying prefix. Stripping it
// gives an identifier that survives re-exports.
var uidPrefixes = map[string]*regexp.Regexp{
	// 1418fb94e984-f2b1...@airbnb.com: the leading 12 hex chars are an
	// export hash that changes when the listing calendar is regenerated.
	SourceAirbnb: regexp.MustCompile(`^[0-9a-f]{12}-`),
	// HA-<listing>-<seq>-<reservation>: the sequence counter moves.
	SourceHostaway: regexp.MustCompile(`^ha-\d+-\d+-`),
	// Booking.com prefixes a per-export timestamp: 1712345678_<id>@booking.com
	SourceBooking: regexp.MustCompile(`^\d{9,}_`),
	// Vrbo wraps the reservation id in a channel prefix.
	SourceVrbo: regexp.MustCompile(`^(?:vrbo|homeaway)-(?:\d+-)?`),
}

// CanonicalUID normalizes a feed UID so re-exports of one stay compare equal.
func CanonicalUID(sourceType, uid string) string {
	u := strings.ToLower(strings.TrimSpace(uid))
	if re, ok := uidPrefixes[strings.ToLower(sourceType)]; ok {
		if stripped := re.ReplaceAllString(u, ""); stripped != "" {
			u = stripped
		}
	}
	return u
}
