package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"github.com/sakif/authcore/internal/apperror"
)

const (
	// DefaultAdminEndpoint is the Identity Toolkit REST API.
	DefaultAdminEndpoint = "https://identitytoolkit.googleapis.com"
	defaultTokenURL      = "https://oauth2.googleapis.com/token"
)

// PasswordUpdater changes a user's password at the identity provider.
type PasswordUpdater interface {
	UpdatePassword(ctx context.Context, uid, newPassword string) error
}

// ServiceAccount is the subset of a Google service-account JSON key file the
// admin client needs.
type ServiceAccount struct {
	ProjectID    string `json:"project_id"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// LoadServiceAccount reads and parses a service-account key file.
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading service account: %w", err)
	}
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("identity: parsing service account: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("identity: service account needs client_email and private_key")
	}
	return &sa, nil
}

// AdminConfig configures an AdminClient.
type AdminConfig struct {
	ProjectID string
	Account   ServiceAccount
	// Endpoint overrides DefaultAdminEndpoint (tests, emulators).
	Endpoint string
	// HTTPClient is the base transport used for the token and API calls.
	HTTPClient *http.Client
}

// AdminClient calls the provider's admin API as a service account.
//
// TWO-LEGGED OAUTH (JWT BEARER FLOW):
// There is no user in this exchange. x/oauth2/jwt signs a short assertion
// with the service account's private key, trades it at the token endpoint
// for an access token, and the returned *http.Client attaches
// "Authorization: Bearer <token>" to every request, refreshing as needed.
type AdminClient struct {
	projectID string
	endpoint  string
	client    *http.Client
}

// NewAdminClient builds the OAuth2-authenticated client.
func NewAdminClient(cfg AdminConfig) (*AdminClient, error) {
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = cfg.Account.ProjectID
	}
	if projectID == "" {
		return nil, errors.New("identity: admin client needs a project id")
	}

	tokenURL := cfg.Account.TokenURI
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	conf := &jwt.Config{
		Email:        cfg.Account.ClientEmail,
		PrivateKey:   []byte(cfg.Account.PrivateKey),
		PrivateKeyID: cfg.Account.PrivateKeyID,
		Scopes: []string{
			"https://www.googleapis.com/auth/identitytoolkit",
			"https://www.googleapis.com/auth/cloud-platform",
		},
		TokenURL: tokenURL,
	}

	// oauth2 picks the base transport up from the context it is built with.
	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultAdminEndpoint
	}

	return &AdminClient{
		projectID: projectID,
		endpoint:  strings.TrimRight(endpoint, "/"),
		client:    conf.Client(ctx),
	}, nil
}

type updateRequest struct {
	LocalID  string `json:"localId"`
	Password string `json:"password"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// UpdatePassword implements PasswordUpdater. Rejections come back as
// apperror.ErrUpstreamUpdateFailed with a reason that is safe to show.
func (c *AdminClient) UpdatePassword(ctx context.Context, uid, newPassword string) error {
	body, err := json.Marshal(updateRequest{LocalID: uid, Password: newPassword})
	if err != nil {
		return fmt.Errorf("identity: encoding update: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/accounts:update", c.endpoint, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("identity: building update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperror.UpstreamUpdateFailed("could not reach the identity provider", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	code, _, _ := strings.Cut(apiErr.Error.Message, " ")

	return apperror.UpstreamUpdateFailed(safeReason(code),
		fmt.Errorf("identity: accounts:update returned status %d: %s", resp.StatusCode, apiErr.Error.Message))
}

// safeReason translates provider error codes into caller-facing text. Codes
// we do not recognise get a generic message.
func safeReason(code string) string {
	switch code {
	case "WEAK_PASSWORD":
		return "password does not meet the strength requirements"
	case "USER_NOT_FOUND":
		return "account no longer exists"
	case "USER_DISABLED":
		return "account has been disabled"
	default:
		return "could not update password"
	}
}
