package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Confidence levels assigned by the extractor.
const (
	ConfidenceHigh = 0.9
	ConfidenceLow  = 0.5
)

// Fact is the extractor output before validation and persistence. Absent
// values stay nil; nothing is defaulted here.
type Fact struct {
	CheckIn          *time.Time
	CheckOut         *time.Time
	GuestName        *string
	GuestCount       *int
	ConfirmationCode *string
	Confidence       float64
	Raw              map[string]any
}

// Extractor turns a confirmation message into a Fact. It is a pure function
// of its input and Now.
type Extractor struct {
	// Now supplies the current time for year defaulting.
	Now func() time.Time
}

// New returns an Extractor using the wall clock.
func New() *Extractor {
	return &Extractor{Now: time.Now}
}

type nameStrategy struct {
	name string
	find func(subject, body string) []string
}

var (
	subjectNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*booking\s*:\s*([^(]+?)\s*\(`),
		regexp.MustCompile(`(?i)confirmed\s*[-–:]\s*(.+?)\s+arriv`),
		regexp.MustCompile(`(?i)\bnew (?:booking|reservation) from\s+(.+?)(?:\s*[-–(,!]|$)`),
		regexp.MustCompile(`(?i)\b(?:instant booking|booking confirmed|reservation confirmed)\s*[-–:]\s*(.+?)(?:\s*[-–(,!]|$)`),
	}
	bodyNamePattern = regexp.MustCompile(`(?im)^[ \t]*(?:guest(?:[ \t]+name)?|primary guest|booked by|name)[ \t]*:[ \t]*(.+?)[ \t]*$`)

	trailingActionRe = regexp.MustCompile(`(?i)\s+(?:arrives?|arriving|check-?\s?ins?|checks?\s+in|for\s+\d+\s+nights?|on\s+(?:mon|tue|wed|thu|fri|sat|sun)\w*)\b.*$`)
	leadingBoilerRe  = regexp.MustCompile(`(?i)^(?:reservation confirmed|booking confirmed|new booking|new reservation|instant booking|booking|guest|name)\s*[-–:]\s*`)
	parentheticalRe  = regexp.MustCompile(`\s*[(\[].*$`)
	fourDigitRe      = regexp.MustCompile(`\d{4}`)
	forbiddenNames   = map[string]bool{
		"guest": true, "guests": true, "reserved": true, "reservation": true, "unknown": true,
		"blocked": true, "n/a": true, "na": true, "none": true, "tbd": true, "host": true,
		"not available": true, "airbnb": true, "vrbo": true, "booking.com": true, "booking": true,
		"expedia": true, "homeaway": true,
	}
)

var nameStrategies = []nameStrategy{
	{"subject", func(subject, _ string) []string {
		var out []string
		for _, re := range subjectNamePatterns {
			if m := re.FindStringSubmatch(subject); m != nil {
				out = append(out, m[1])
			}
		}
		return out
	}},
	{"body_label", func(_, body string) []string {
		var out []string
		for _, m := range bodyNamePattern.FindAllStringSubmatch(body, -1) {
			out = append(out, m[1])
		}
		return out
	}},
}

var (
	countPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(\d{1,3})\s+(?:guests?|adults?|travell?ers?|people|persons)\b`),
		regexp.MustCompile(`(?i)\b(?:guests?|number of guests|adults|occupancy|travell?ers)\s*:\s*(\d{1,3})\b`),
	}
	subjectCodeRe = regexp.MustCompile(`#\s?([A-Za-z0-9]{6,20})\b`)
	bodyCodeRe    = regexp.MustCompile(`(?i)\b(?:confirmation|reservation|booking)\s+(?:code|number|no\.?|#)\s*[:#]?\s*(?:is\s+)?([A-Z0-9]{6,20})\b`)
)

// Extract parses subject and body. When preclassified is false the message
// is classified first and non-candidates yield nil. It also returns nil
// when nothing at all could be extracted.
func (e *Extractor) Extract(body, subject string, preclassified bool) *Fact {
	if !preclassified && !Classify(subject, body).IsCandidate {
		return nil
	}

	now := time.Now()
	if e != nil && e.Now != nil {
		now = e.Now()
	}

	f := &Fact{Raw: map[string]any{}}

	if name, source := extractName(subject, body); name != "" {
		f.GuestName = &name
		f.Raw["name_source"] = source
	}

	in, out, sources := extractDates(subject+"\n"+body, now)
	f.CheckIn, f.CheckOut = in, out
	if len(sources) > 0 {
		f.Raw["date_sources"] = sources
	}

	if n, ok := extractCount(body); ok {
		f.GuestCount = &n
	}

	if code, source := extractCode(subject, body); code != "" {
		f.ConfirmationCode = &code
		f.Raw["code_source"] = source
	}

	if f.GuestName == nil && f.CheckIn == nil && f.CheckOut == nil && f.ConfirmationCode == nil {
		return nil
	}

	f.Confidence = ConfidenceLow
	if f.GuestName != nil && (f.CheckIn != nil || f.CheckOut != nil) {
		f.Confidence = ConfidenceHigh
	}
	f.Raw["subject"] = subject
	return f
}

func extractName(subject, body string) (string, string) {
	for _, s := range nameStrategies {
		for _, cand := range s.find(subject, body) {
			if name, ok := CleanName(cand); ok {
				return name, s.name
			}
		}
	}
	return "", ""
}

// CleanName normalizes a raw name candidate and reports whether what is
// left looks like a person.
func CleanName(raw string) (string, bool) {
	n := strings.TrimSpace(raw)
	n = leadingBoilerRe.ReplaceAllString(n, "")
	n = trailingActionRe.ReplaceAllString(n, "")
	n = parentheticalRe.ReplaceAllString(n, "")
	n = strings.TrimFunc(n, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '.' && r != '\'')
	})
	n = strings.Join(strings.Fields(n), " ")

	if utf8.RuneCountInString(n) < 2 {
		return "", false
	}
	if forbiddenNames[strings.ToLower(n)] {
		return "", false
	}
	if r, _ := utf8.DecodeRuneInString(n); unicode.IsDigit(r) {
		return "", false
	}
	if fourDigitRe.MatchString(n) {
		return "", false
	}
	return n, true
}

func extractCount(body string) (int, bool) {
	for _, re := range countPatterns {
		if m := re.FindStringSubmatch(body); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func extractCode(subject, body string) (string, string) {
	if m := subjectCodeRe.FindStringSubmatch(subject); m != nil {
		return strings.ToUpper(m[1]), "subject"
	}
	if m := bodyCodeRe.FindStringSubmatch(body); m != nil {
		return strings.ToUpper(m[1]), "body"
	}
	return "", ""
}
