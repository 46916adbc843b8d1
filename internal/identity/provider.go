// Package identity talks to the external identity provider: it verifies the
// ID tokens the provider issues to browsers and asks it to change passwords.
package identity

import "github.com/sakif/authcore/internal/model"

// Sign-in provider ids as they appear in the firebase.sign_in_provider claim.
const (
	signInGoogle = "google.com"
	signInGitHub = "github.com"
)

// ProviderFromSignIn maps the provider's sign-in id onto our closed enum.
// Anything unknown, including "password" and "", is email.
func ProviderFromSignIn(id string) model.Provider {
	switch id {
	case signInGoogle:
		return model.ProviderGoogle
	case signInGitHub:
		return model.ProviderGitHub
	default:
		return model.ProviderEmail
	}
}
