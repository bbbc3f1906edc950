package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"staycal/internal/retry"
)

const (
	gmailAPIBase      = "https://gmail.googleapis.com/gmail/v1"
	defaultMaxResults = 100
	errorBodyLimit    = 512
)

// ErrLabelNotFound is returned when the mailbox has no label by that name.
var ErrLabelNotFound = errors.New("mailbox label not found")

// GmailSource reads a Gmail mailbox over the REST API with a bearer token.
// It never modifies the mailbox.
type GmailSource struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewGmailSource creates a source for one mailbox.
func NewGmailSource(accessToken string) *GmailSource {
	return &GmailSource{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    gmailAPIBase,
		token:      accessToken,
	}
}

// NewGmailSourceWithClient uses a custom client and API base (tests).
func NewGmailSourceWithClient(accessToken string, client *http.Client, baseURL string) *GmailSource {
	return &GmailSource{httpClient: client, baseURL: strings.TrimRight(baseURL, "/"), token: accessToken}
}

var _ Source = (*GmailSource)(nil)

func (g *GmailSource) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := g.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &retry.StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *GmailSource) ResolveLabel(ctx context.Context, name string) (string, error) {
	var resp gmailLabelsResponse
	if err := g.get(ctx, "/users/me/labels", nil, &resp); err != nil {
		return "", fmt.Errorf("list labels: %w", err)
	}
	for _, l := range resp.Labels {
		if strings.EqualFold(l.Name, name) || l.ID == name {
			return l.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrLabelNotFound, name)
}

func (g *GmailSource) ListMessageIDs(ctx context.Context, labelID, pageToken string) ([]string, string, error) {
	params := url.Values{}
	params.Set("labelIds", labelID)
	params.Set("maxResults", strconv.Itoa(defaultMaxResults))
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var resp gmailListResponse
	if err := g.get(ctx, "/users/me/messages", params, &resp); err != nil {
		return nil, "", fmt.Errorf("list messages: %w", err)
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.ID)
	}
	return ids, resp.NextPageToken, nil
}

func (g *GmailSource) GetMessage(ctx context.Context, id string) (*Message, error) {
	params := url.Values{}
	params.Set("format", "full")

	var msg gmailMessage
	if err := g.get(ctx, "/users/me/messages/"+url.PathEscape(id), params, &msg); err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	out := &Message{ID: msg.ID, Snippet: msg.Snippet}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, "Subject") {
			out.Subject = h.Value
		}
	}
	if msg.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}

	root := gmailPart{MimeType: msg.Payload.MimeType, Body: msg.Payload.Body, Parts: msg.Payload.Parts}
	collectBodies(root, out)
	return out, nil
}

// collectBodies walks the MIME tree and keeps the first text/plain and
// text/html parts.
func collectBodies(p gmailPart, out *Message) {
	mime := strings.ToLower(p.MimeType)
	switch {
	case strings.HasPrefix(mime, "text/plain") && out.PlainBody == "":
		out.PlainBody = decodeBody(p.Body.Data)
	case strings.HasPrefix(mime, "text/html") && out.HTMLBody == "":
		out.HTMLBody = decodeBody(p.Body.Data)
	}
	for _, child := range p.Parts {
		collectBodies(child, out)
	}
}

func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

// Gmail API response types

type gmailLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

type gmailLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type gmailListResponse struct {
	Messages      []gmailMessageRef `json:"messages"`
	NextPageToken string            `json:"nextPageToken"`
}

type gmailMessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type gmailMessage struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"threadId"`
	Snippet      string       `json:"snippet"`
	InternalDate int64        `json:"internalDate,string"`
	Payload      gmailPayload `json:"payload"`
}

type gmailPayload struct {
	MimeType string        `json:"mimeType"`
	Headers  []gmailHeader `json:"headers"`
	Body     gmailBody     `json:"body"`
	Parts    []gmailPart   `json:"parts"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailBody struct {
	Size int    `json:"size"`
	Data string `json:"data"` // base64url encoded
}

type gmailPart struct {
	PartID   string      `json:"partId"`
	MimeType string      `json:"mimeType"`
	Body     gmailBody   `json:"body"`
	Parts    []gmailPart `json:"parts"`
}
