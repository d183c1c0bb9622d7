package credential

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppMinter exchanges a GitHub App assertion for an installation token.
type AppMinter struct {
	AppID          string
	InstallationID int64

	apiURL string
	key    *rsa.PrivateKey
	client *http.Client
	now    func() time.Time
}

// NewAppMinter parses the PEM encoded App private key. A key that cannot
// be parsed is reported as a MintError.
func NewAppMinter(appID string, installationID int64, privateKeyPEM []byte, apiURL string, client *http.Client) (*AppMinter, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, &MintError{Err: fmt.Errorf("parse app private key: %w", err)}
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &AppMinter{
		AppID:          appID,
		InstallationID: installationID,
		apiURL:         strings.TrimSuffix(apiURL, "/"),
		key:            key,
		client:         client,
		now:            time.Now,
	}, nil
}

// Assertion returns the short lived App JWT. The issued-at time is
// backdated to tolerate clock drift.
func (m *AppMinter) Assertion() (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    m.AppID,
	})
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", &MintError{Err: err}
	}
	return signed, nil
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Mint implements Minter.
func (m *AppMinter) Mint(ctx context.Context) (Credential, error) {
	assertion, err := m.Assertion()
	if err != nil {
		return Credential{}, err
	}

	url := m.apiURL + "/app/installations/" + strconv.FormatInt(m.InstallationID, 10) + "/access_tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := m.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("mint installation token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Credential{}, fmt.Errorf("mint installation token: upstream status %d", resp.StatusCode)
	default:
		return Credential{}, &MintError{Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	var out accessTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Credential{}, fmt.Errorf("decode installation token: %w", err)
	}
	if out.Token == "" {
		return Credential{}, &MintError{Status: resp.StatusCode, Err: errors.New("empty installation token")}
	}
	return Credential{Token: out.Token, ExpiresAt: out.ExpiresAt}, nil
}
