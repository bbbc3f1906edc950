package mailbox

import (
	"context"
	"time"
)

// Message is a fetched mailbox message before normalization.
type Message struct {
	ID         string
	Subject    string
	Snippet    string
	PlainBody  string
	HTMLBody   string
	ReceivedAt time.Time
}

// Source is the provider-side mailbox capability. Token acquisition is
// the caller's business.
type Source interface {
	// ResolveLabel maps a label name to the provider's identifier.
	ResolveLabel(ctx context.Context, name string) (string, error)
	// ListMessageIDs returns one page of IDs and the token of the next
	// page, or "" on the last page.
	ListMessageIDs(ctx context.Context, labelID, pageToken string) (ids []string, next string, err error)
	GetMessage(ctx context.Context, id string) (*Message, error)
}
