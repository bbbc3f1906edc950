package extract

import (
	"fmt"
	"regexp"
	"strings"

	"staycal/internal/model"
)

// Rejection reasons.
const (
	RejectCountOutOfRange = "guest_count_out_of_range"
	RejectPlaceholderName = "placeholder_name"
	RejectBillingName     = "billing_keyword_name"
	RejectDatesInverted   = "dates_inverted"
	RejectBadCode         = "bad_confirmation_code"
)

const (
	minGuests = 1
	maxGuests = 30
)

// RejectionError explains why a fact was not accepted.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("fact rejected: %s (%s)", e.Reason, e.Detail)
}

var (
	codeFormatRe  = regexp.MustCompile(`^[A-Za-z0-9]{8,15}$`)
	billingNameRe = regexp.MustCompile(`(?i)\b(?:invoice|payment|payout|refund|receipt|billing|charge|fee|service|tax|deposit|transaction)\b`)
)

// Validate checks a fact before it is persisted. It returns a
// *RejectionError for rejected facts and nil otherwise.
func Validate(f *Fact) error {
	if f == nil {
		return &RejectionError{Reason: "empty", Detail: "no fact"}
	}
	if f.GuestCount != nil && (*f.GuestCount < minGuests || *f.GuestCount > maxGuests) {
		return &RejectionError{Reason: RejectCountOutOfRange, Detail: fmt.Sprintf("%d", *f.GuestCount)}
	}
	if f.GuestName != nil {
		name := strings.TrimSpace(*f.GuestName)
		if model.IsPlaceholderName(name) || forbiddenNames[strings.ToLower(name)] {
			return &RejectionError{Reason: RejectPlaceholderName, Detail: name}
		}
		if billingNameRe.MatchString(name) {
			return &RejectionError{Reason: RejectBillingName, Detail: name}
		}
	}
	if f.CheckIn != nil && f.CheckOut != nil && !f.CheckIn.Before(*f.CheckOut) {
		return &RejectionError{
			Reason: RejectDatesInverted,
			Detail: model.DayKey(*f.CheckIn) + " >= " + model.DayKey(*f.CheckOut),
		}
	}
	if f.ConfirmationCode != nil && !codeFormatRe.MatchString(*f.ConfirmationCode) {
		return &RejectionError{Reason: RejectBadCode, Detail: *f.ConfirmationCode}
	}
	return nil
}
