package extract

import (
	"regexp"
	"strings"
)

// Kind is the message category decided by Classify.
type Kind string

const (
	KindReservationConfirmation Kind = "reservation_confirmation"
	KindBookingInquiry          Kind = "booking_inquiry"
	KindGuestMessage            Kind = "guest_message"
	KindCancellationRequest     Kind = "cancellation_request"
	KindReviewRequest           Kind = "review_request"
	KindReviewPosted            Kind = "review_posted"
	KindPlatformSystem          Kind = "platform_system"
	KindUnknown                 Kind = "unknown"
)

// Classification is the classifier verdict. IsCandidate is true only for
// reservation confirmations.
type Classification struct {
	Kind        Kind     `json:"kind"`
	IsCandidate bool     `json:"is_candidate"`
	Reasons     []string `json:"reasons"`
}

type rule struct {
	reason  string
	subject *regexp.Regexp
	body    *regexp.Regexp
}

func (r rule) match(subject, body string) bool {
	if r.subject != nil && r.subject.MatchString(subject) {
		return true
	}
	return r.body != nil && r.body.MatchString(body)
}

type category struct {
	kind  Kind
	rules []rule
}

func re(p string) *regexp.Regexp { return regexp.MustCompile(p) }

// Order matters: every non-confirmation category is checked first, and any
// hit there wins. A reply that quotes a confirmation must not become a fact.
var negativeCategories = []category{
	{KindGuestMessage, []rule{
		{"reply_subject", re(`(?i)^\s*(?:re|fwd?|aw|wg)\s*:`), nil},
		{"sent_message", re(`(?i)\b(?:sent you a message|new message from|message from)\b`), re(`(?i)\b(?:sent you a message|reply to this message)\b`)},
	}},
	{KindCancellationRequest, []rule{
		{"cancel_keyword", re(`(?i)\bcancel(?:led|ed|lation)?\b`), re(`(?i)\b(?:has been cancel(?:l)?ed|cancellation (?:request|confirmed)|wants to cancel)\b`)},
	}},
	{KindReviewPosted, []rule{
		{"review_posted", re(`(?i)\b(?:left (?:you )?a review|new review|wrote a review|reviewed your)\b`), re(`(?i)\b(?:left you a review|has reviewed)\b`)},
	}},
	{KindReviewRequest, []rule{
		{"review_request", re(`(?i)\b(?:leave a review|review your guest|write a review|rate your stay|how was your stay)\b`), re(`(?i)\b(?:leave a review for|write a review|review your guest)\b`)},
	}},
	{KindBookingInquiry, []rule{
		{"inquiry", re(`(?i)\b(?:inquiry|enquiry|request to book|booking request|pre-?approve|special offer)\b`), re(`(?i)\b(?:pre-?approve|respond to (?:this|the) (?:inquiry|request)|request expires)\b`)},
	}},
	{KindPlatformSystem, []rule{
		{"platform_notice", re(`(?i)\b(?:payout|password|security|verify|verification|account|tax|invoice|receipt|terms of service|policy update|newsletter)\b`), nil},
	}},
}

var confirmation = category{KindReservationConfirmation, []rule{
	{"confirmed_subject", re(`(?i)\b(?:reservation|booking|stay)\s+(?:is\s+)?confirmed\b|\bconfirmed\s*[-–:]|\bnew (?:booking|reservation)\b|\binstant book(?:ing)?\b|^\s*booking\s*:`), nil},
	{"confirmed_body", nil, re(`(?i)\b(?:reservation (?:is )?confirmed|booking (?:is )?confirmed|new (?:booking|reservation)|confirmation code|reservation (?:code|number)|booking number)\b`)},
}}

// Classify decides whether a message is a reservation confirmation. It is
// deliberately conservative: ambiguous text is a non-candidate.
func Classify(subject, body string) Classification {
	subject = strings.TrimSpace(subject)

	for _, cat := range negativeCategories {
		if reasons := matchRules(cat, subject, body); len(reasons) > 0 {
			return Classification{Kind: cat.kind, IsCandidate: false, Reasons: reasons}
		}
	}

	reasons := matchRules(confirmation, subject, body)
	if len(reasons) == 0 {
		return Classification{Kind: KindUnknown, Reasons: []string{}}
	}
	// A body that merely mentions a confirmation code without a
	// confirming subject is too weak on its own.
	if len(reasons) == 1 && reasons[0] == "confirmed_body" && subject != "" && !bodyConfirms(body) {
		return Classification{Kind: KindUnknown, Reasons: reasons}
	}
	return Classification{Kind: KindReservationConfirmation, IsCandidate: true, Reasons: reasons}
}

var strongBodyConfirm = re(`(?i)\b(?:reservation (?:is )?confirmed|booking (?:is )?confirmed|new (?:booking|reservation))\b`)

func bodyConfirms(body string) bool {
	return strongBodyConfirm.MatchString(body)
}

func matchRules(cat category, subject, body string) []string {
	var reasons []string
	for _, r := range cat.rules {
		if r.match(subject, body) {
			reasons = append(reasons, r.reason)
		}
	}
	return reasons
}
