// Package model defines the data structures used throughout the application.
package model

import (
	"strings"
	"time"
)

// Provider is the sign-in method last used by a user.
type Provider string

const (
	ProviderEmail  Provider = "email"
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderEmail, ProviderGoogle, ProviderGitHub:
		return true
	}
	return false
}

// Identity is what the identity provider vouches for after verifying an
// assertion. UID is the provider's subject id and never changes for a user.
type Identity struct {
	UID      string   `json:"uid"`
	Email    string   `json:"email"`
	Name     string   `json:"name,omitempty"`
	PhotoURL string   `json:"photoURL,omitempty"`
	Provider Provider `json:"provider"`
}

// User is one record per distinct end-user identity.
//
// WHY UID AS PRIMARY KEY?
// The identity provider owns the account. Its subject id is stable and
// unique, so we key on it directly instead of minting our own id and keeping
// a second unique column in sync with it. Email is unique too, but it can
// change upstream and is updated on every login.
//
// Sessions is populated only by stores that keep sessions embedded in the
// user document. Use CredentialStore.ListSessions for a portable view.
type User struct {
	UID       string          `json:"uid"                db:"uid"        bson:"_id"`
	Email     string          `json:"email"              db:"email"      bson:"email"`
	Name      string          `json:"name,omitempty"     db:"name"       bson:"name,omitempty"`
	Provider  Provider        `json:"provider"           db:"provider"   bson:"provider"`
	PhotoURL  string          `json:"photoURL,omitempty" db:"photo_url"  bson:"photoURL,omitempty"`
	CreatedAt time.Time       `json:"createdAt"          db:"created_at" bson:"createdAt"`
	LastSeen  time.Time       `json:"lastSeen"           db:"last_seen"  bson:"lastSeen"`
	Sessions  []SessionRecord `json:"-"                  db:"-"          bson:"sessions,omitempty"`
}

// Identity projects the user back onto the provider-facing identity fields.
func (u *User) Identity() Identity {
	return Identity{
		UID:      u.UID,
		Email:    u.Email,
		Name:     u.Name,
		PhotoURL: u.PhotoURL,
		Provider: u.Provider,
	}
}

// SessionRecord is the persisted trace of one issued session token.
//
// Only TokenHash is stored, never the token. UserAgent and IP are audit data
// and must not feed any authorization decision.
type SessionRecord struct {
	TokenHash string    `json:"-"                   db:"token_hash" bson:"tokenHash"`
	SessionID string    `json:"sessionId"           db:"session_id" bson:"sessionId"`
	IssuedAt  time.Time `json:"issuedAt"            db:"issued_at"  bson:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"           db:"expires_at" bson:"expiresAt"`
	UserAgent string    `json:"userAgent,omitempty" db:"user_agent" bson:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"        db:"ip"         bson:"ip,omitempty"`
}

// Expired reports whether the record is no longer live at now.
func (s SessionRecord) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// NormalizeEmail is the single place emails are canonicalised before being
// written or looked up.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AuthSource names which verification path produced a Principal.
type AuthSource string

const (
	SourceSession   AuthSource = "session"
	SourceAssertion AuthSource = "assertion"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Identity
	Source    AuthSource `json:"source"`
	SessionID string     `json:"sessionId,omitempty"`
}
