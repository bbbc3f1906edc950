package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const monthNames = `january|february|march|april|may|june|july|august|september|sept|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|oct|nov|dec`

var (
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	usDateRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	monthDayRe  = regexp.MustCompile(`(?i)\b(` + monthNames + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
	dayMonthRe  = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(` + monthNames + `)\.?(?:,?\s+(\d{4})\b)?`)
	monthLookup = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
		"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
		"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
	}
)

// dateMatch is one date found in text.
type dateMatch struct {
	t         time.Time
	yearGiven bool
	start     int
	end       int
}

// findDates returns every parseable date in s ordered by position.
// Overlapping hits keep the earliest, longest one.
func findDates(s string, year int) []dateMatch {
	var all []dateMatch

	for _, m := range isoDateRe.FindAllStringSubmatchIndex(s, -1) {
		y, _ := strconv.Atoi(s[m[2]:m[3]])
		mo, _ := strconv.Atoi(s[m[4]:m[5]])
		d, _ := strconv.Atoi(s[m[6]:m[7]])
		if t, ok := mkDate(y, time.Month(mo), d); ok {
			all = append(all, dateMatch{t: t, yearGiven: true, start: m[0], end: m[1]})
		}
	}
	for _, m := range usDateRe.FindAllStringSubmatchIndex(s, -1) {
		mo, _ := strconv.Atoi(s[m[2]:m[3]])
		d, _ := strconv.Atoi(s[m[4]:m[5]])
		y, _ := strconv.Atoi(s[m[6]:m[7]])
		if t, ok := mkDate(y, time.Month(mo), d); ok {
			all = append(all, dateMatch{t: t, yearGiven: true, start: m[0], end: m[1]})
		}
	}
	for _, m := range monthDayRe.FindAllStringSubmatchIndex(s, -1) {
		mo := monthLookup[strings.ToLower(s[m[2]:m[3]])[:3]]
		d, _ := strconv.Atoi(s[m[4]:m[5]])
		y, given := year, false
		if m[6] >= 0 {
			y, _ = strconv.Atoi(s[m[6]:m[7]])
			given = true
		}
		if t, ok := mkDate(y, mo, d); ok {
			all = append(all, dateMatch{t: t, yearGiven: given, start: m[0], end: m[1]})
		}
	}
	for _, m := range dayMonthRe.FindAllStringSubmatchIndex(s, -1) {
		d, _ := strconv.Atoi(s[m[2]:m[3]])
		mo := monthLookup[strings.ToLower(s[m[4]:m[5]])[:3]]
		y, given := year, false
		if m[6] >= 0 {
			y, _ = strconv.Atoi(s[m[6]:m[7]])
			given = true
		}
		if t, ok := mkDate(y, mo, d); ok {
			all = append(all, dateMatch{t: t, yearGiven: given, start: m[0], end: m[1]})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end > all[j].end
	})

	out := all[:0]
	lastEnd := -1
	for _, dm := range all {
		if dm.start < lastEnd {
			continue
		}
		out = append(out, dm)
		lastEnd = dm.end
	}
	return out
}

// firstDateIn returns the first date starting within [from, from+window).
func firstDateIn(dates []dateMatch, from, window int) (dateMatch, bool) {
	for _, dm := range dates {
		if dm.start >= from && dm.start < from+window {
			return dm, true
		}
	}
	return dateMatch{}, false
}

func mkDate(y int, m time.Month, d int) (time.Time, bool) {
	if y < 2000 || y > 2100 || m < time.January || m > time.December || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes Feb 30 into March; reject that.
	if t.Month() != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

// dateStrategy finds check-in and/or check-out. Either may be absent.
type dateStrategy struct {
	name string
	find func(text string, dates []dateMatch) (in, out *dateMatch)
}

var (
	arrivalLabelRe   = regexp.MustCompile(`(?i)\b(?:arrival|arriving|check-?\s?in)(?:\s+date)?\s*:\s*`)
	departureLabelRe = regexp.MustCompile(`(?i)\b(?:departure|departing|check-?\s?out)(?:\s+date)?\s*:\s*`)
	pairedClauseRe   = regexp.MustCompile(`(?is)\bcheck-?\s?in\b(.{0,80}?)\bcheck-?\s?out\b(.{0,80})`)
	inAnchorRe       = regexp.MustCompile(`(?i)\b(?:arriv\w*|check-?\s?in|from|starting)\b`)
	outAnchorRe      = regexp.MustCompile(`(?i)\b(?:depart\w*|check-?\s?out|until|through|to|ending)\b`)
)

const (
	labelWindow  = 40
	anchorWindow = 40
)

// Strategies in priority order; the first one to supply a value wins it.
var dateStrategies = []dateStrategy{
	{"labels", labeledDates},
	{"paired_clause", pairedClauseDates},
	{"anchor_scan", anchorScanDates},
}

func labeledDates(text string, dates []dateMatch) (*dateMatch, *dateMatch) {
	var in, out *dateMatch
	if loc := arrivalLabelRe.FindStringIndex(text); loc != nil {
		if dm, ok := firstDateIn(dates, loc[1], labelWindow); ok {
			in = &dm
		}
	}
	if loc := departureLabelRe.FindStringIndex(text); loc != nil {
		if dm, ok := firstDateIn(dates, loc[1], labelWindow); ok {
			out = &dm
		}
	}
	return in, out
}

func pairedClauseDates(text string, dates []dateMatch) (*dateMatch, *dateMatch) {
	m := pairedClauseRe.FindStringSubmatchIndex(text)
	if m == nil {
		return nil, nil
	}
	var in, out *dateMatch
	if dm, ok := firstDateIn(dates, m[2], m[3]-m[2]); ok {
		in = &dm
	}
	if dm, ok := firstDateIn(dates, m[4], m[5]-m[4]); ok {
		out = &dm
	}
	return in, out
}

func anchorScanDates(text string, dates []dateMatch) (*dateMatch, *dateMatch) {
	var in, out *dateMatch
	for _, loc := range inAnchorRe.FindAllStringIndex(text, -1) {
		if dm, ok := firstDateIn(dates, loc[1], anchorWindow); ok {
			in = &dm
			break
		}
	}
	for _, loc := range outAnchorRe.FindAllStringIndex(text, -1) {
		dm, ok := firstDateIn(dates, loc[1], anchorWindow)
		if !ok {
			continue
		}
		if in != nil && dm.start == in.start {
			continue
		}
		out = &dm
		break
	}
	return in, out
}

// extractDates runs the strategies and applies year defaulting. It returns
// the names of the strategies that contributed.
func extractDates(text string, now time.Time) (in, out *time.Time, sources []string) {
	dates := findDates(text, now.Year())
	if len(dates) == 0 {
		return nil, nil, nil
	}

	var inM, outM *dateMatch
	for _, s := range dateStrategies {
		if inM != nil && outM != nil {
			break
		}
		i, o := s.find(text, dates)
		used := false
		if inM == nil && i != nil {
			inM = i
			used = true
		}
		if outM == nil && o != nil {
			outM = o
			used = true
		}
		if used {
			sources = append(sources, s.name)
		}
	}

	if inM != nil {
		t := inM.t
		in = &t
	}
	if outM != nil {
		t := outM.t
		// "Dec 30 - Jan 2" without years: the check-out is next year.
		if in != nil && !outM.yearGiven && !t.After(*in) {
			t = t.AddDate(1, 0, 0)
		}
		out = &t
	}
	return in, out, sources
}
