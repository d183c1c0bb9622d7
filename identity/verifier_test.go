package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type issuer struct {
	mu      sync.Mutex
	kid     string
	key     *rsa.PrivateKey
	fetches atomic.Int32
	fail    atomic.Bool
	srv     *httptest.Server
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	is := &issuer{}
	is.rotate(t, "k1")
	is.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.fetches.Add(1)
		if is.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": is.srv.URL + "/keys"})
		case "/keys":
			is.mu.Lock()
			set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &is.key.PublicKey, KeyID: is.kid, Algorithm: "RS256", Use: "sig"}}}
			is.mu.Unlock()
			_ = json.NewEncoder(w).Encode(set)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(is.srv.Close)
	return is
}

func (is *issuer) rotate(t *testing.T, kid string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	is.mu.Lock()
	is.kid, is.key = kid, key
	is.mu.Unlock()
}

func (is *issuer) sign(t *testing.T, claims jwt.MapClaims) string {
	is.mu.Lock()
	defer is.mu.Unlock()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = is.kid
	s, err := tok.SignedString(is.key)
	require.NoError(t, err)
	return s
}

func (is *issuer) claims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                is.srv.URL,
		"aud":                "runner-broker",
		"sub":                "u-123",
		"email":              "alice@example.com",
		"preferred_username": "alice",
		"groups":             []string{"platform", "ml"},
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
	}
}

func newVerifier(is *issuer, now *time.Time) *OIDCVerifier {
	v := NewOIDCVerifier(Config{Issuer: is.srv.URL, Audience: "runner-broker", HTTPClient: is.srv.Client()})
	v.now = func() time.Time { return *now }
	return v
}

func TestVerifyValidToken(t *testing.T) {
	is := newIssuer(t)
	now := time.Now()
	v := newVerifier(is, &now)

	id, err := v.Verify(context.Background(), is.sign(t, is.claims(now)))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", id.ID)
	assert.Equal(t, "u-123", id.Subject)
	assert.Equal(t, []string{"platform", "ml"}, id.Groups)
	assert.True(t, id.InGroup("ml"))

	// cached key set is reused
	_, err = v.Verify(context.Background(), is.sign(t, is.claims(now)))
	require.NoError(t, err)
	assert.Equal(t, int32(2), is.fetches.Load())
}

func TestVerifyIdentityClaimPreference(t *testing.T) {
	is := newIssuer(t)
	now := time.Now()
	v := newVerifier(is, &now)

	c := is.claims(now)
	delete(c, "email")
	id, err := v.Verify(context.Background(), is.sign(t, c))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ID)

	delete(c, "preferred_username")
	id, err = v.Verify(context.Background(), is.sign(t, c))
	require.NoError(t, err)
	assert.Equal(t, "u-123", id.ID)
}

func TestVerifyFailures(t *testing.T) {
	is := newIssuer(t)
	now := time.Now()
	v := newVerifier(is, &now)

	expired := is.claims(now)
	expired["exp"] = now.Add(-time.Hour).Unix()
	_, err := v.Verify(context.Background(), is.sign(t, expired))
	assert.ErrorIs(t, err, ErrExpired)

	aud := is.claims(now)
	aud["aud"] = "someone-else"
	_, err = v.Verify(context.Background(), is.sign(t, aud))
	assert.ErrorIs(t, err, ErrAudienceMismatch)

	iss := is.claims(now)
	iss["iss"] = "https://evil.example.com"
	_, err = v.Verify(context.Background(), is.sign(t, iss))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// signed by a key the issuer never published under that kid
	other := newIssuer(t)
	other.kid = is.kid
	forged := other.sign(t, is.claims(now))
	_, err = v.Verify(context.Background(), forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRefreshesOnUnknownKid(t *testing.T) {
	is := newIssuer(t)
	now := time.Now()
	v := newVerifier(is, &now)

	_, err := v.Verify(context.Background(), is.sign(t, is.claims(now)))
	require.NoError(t, err)

	is.rotate(t, "k2")
	now = now.Add(time.Minute)
	_, err = v.Verify(context.Background(), is.sign(t, is.claims(now)))
	require.NoError(t, err)
}

func TestVerifyIssuerUnreachable(t *testing.T) {
	is := newIssuer(t)
	is.fail.Store(true)
	now := time.Now()
	v := newVerifier(is, &now)

	_, err := v.Verify(context.Background(), is.sign(t, is.claims(now)))
	assert.ErrorIs(t, err, ErrIssuerUnreachable)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestDevVerifierRequiresBuildTag(t *testing.T) {
	v, err := NewDevVerifier()
	if devModeAllowed {
		require.NoError(t, err)
		id, err := v.Verify(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, DevIdentity, id)
		return
	}
	assert.ErrorIs(t, err, ErrDevModeUnavailable)
	assert.Nil(t, v)
}
