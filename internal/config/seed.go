package config

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"staycal/internal/model"
)

// idSpace namespaces the deterministic IDs derived from config keys, so a
// feed keeps its ID (and its bookings) across restarts.
var idSpace = uuid.MustParse("8f0c6a52-3b8e-5d41-9a57-2c1e7d4b6f10")

func WorkspaceID(ws string) uuid.UUID {
	return uuid.NewSHA1(idSpace, []byte("workspace/"+ws))
}

func PropertyID(ws, key string) uuid.UUID {
	return uuid.NewSHA1(idSpace, []byte("property/"+ws+"/"+key))
}

func FeedID(ws, key string) uuid.UUID {
	return uuid.NewSHA1(idSpace, []byte("feed/"+ws+"/"+key))
}

func ConnectionID(ws, key string) uuid.UUID {
	return uuid.NewSHA1(idSpace, []byte("connection/"+ws+"/"+key))
}

// Seeder is the store surface needed to materialize declared entities.
type Seeder interface {
	UpsertProperty(ctx context.Context, p *model.Property) error
	UpsertFeed(ctx context.Context, f *model.CalendarFeed) error
	UpsertConnection(ctx context.Context, c *model.MailboxConnection) error
}

// Seed writes every declared property, feed and connection. Feed
// diagnostics and all booking data are left untouched.
func (c *Config) Seed(ctx context.Context, s Seeder) error {
	for _, ws := range c.Workspaces {
		wsID := WorkspaceID(ws.Key)

		for _, p := range ws.Properties {
			name := p.Name
			if name == "" {
				name = p.Key
			}
			err := s.UpsertProperty(ctx, &model.Property{
				ID:          PropertyID(ws.Key, p.Key),
				WorkspaceID: wsID,
				Name:        name,
				Cleaning: model.CleaningPolicy{
					PreDays:  p.CleaningPreDays,
					PostDays: p.CleaningPostDays,
				},
			})
			if err != nil {
				return fmt.Errorf("seed property %s/%s: %w", ws.Key, p.Key, err)
			}
		}

		for _, f := range ws.Feeds {
			label := f.Label
			if label == "" {
				label = f.Key
			}
			err := s.UpsertFeed(ctx, &model.CalendarFeed{
				ID:          FeedID(ws.Key, f.Key),
				WorkspaceID: wsID,
				PropertyID:  PropertyID(ws.Key, f.Property),
				URL:         f.URL,
				SourceLabel: label,
				SourceType:  f.Type,
				Active:      !f.Disabled,
			})
			if err != nil {
				return fmt.Errorf("seed feed %s/%s: %w", ws.Key, f.Key, err)
			}
		}

		for _, mc := range ws.Connections {
			props := make([]uuid.UUID, 0, len(mc.Properties))
			for _, p := range mc.Properties {
				props = append(props, PropertyID(ws.Key, p))
			}
			err := s.UpsertConnection(ctx, &model.MailboxConnection{
				ID:          ConnectionID(ws.Key, mc.Key),
				WorkspaceID: wsID,
				Label:       mc.Label,
				Color:       mc.Color,
				Active:      !mc.Disabled,
				PropertyIDs: props,
			})
			if err != nil {
				return fmt.Errorf("seed connection %s/%s: %w", ws.Key, mc.Key, err)
			}
		}
	}
	return nil
}

// WorkspaceIDs lists every declared workspace.
func (c *Config) WorkspaceIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.Workspaces))
	for _, ws := range c.Workspaces {
		out = append(out, WorkspaceID(ws.Key))
	}
	return out
}

// ConnectionToken returns the mailbox access token for a connection,
// falling back to the global one.
func (c *Config) ConnectionToken(id uuid.UUID) string {
	for _, ws := range c.Workspaces {
		for _, mc := range ws.Connections {
			if ConnectionID(ws.Key, mc.Key) == id && mc.Token != "" {
				return mc.Token
			}
		}
	}
	return c.Ingest.GmailToken
}

// Account is an API user with the caller identity it authenticates as.
// PasswordHash, when set, is a bcrypt hash and takes precedence.
type Account struct {
	Username     string
	Password     string
	PasswordHash string
	Caller       model.Caller
}

// Accounts resolves the configured users into callers.
func (c *Config) Accounts() []Account {
	out := make([]Account, 0, len(c.Users))
	for _, u := range c.Users {
		caller := model.Caller{Username: u.Username}
		for _, g := range u.Grants {
			grant := model.Grant{
				WorkspaceID:       WorkspaceID(g.Workspace),
				CanViewGuestName:  g.GuestName,
				CanViewGuestCount: g.GuestCount,
				CanViewNotes:      g.Notes,
			}
			for _, p := range g.Properties {
				grant.PropertyIDs = append(grant.PropertyIDs, PropertyID(g.Workspace, p))
			}
			caller.Grants = append(caller.Grants, grant)
		}
		out = append(out, Account{
			Username:     u.Username,
			Password:     u.Password,
			PasswordHash: u.PasswordHash,
			Caller:       caller,
		})
	}
	return out
}
