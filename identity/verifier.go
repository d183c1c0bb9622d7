package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"

	"github.com/avast/retry-go/v4"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidToken     = errors.New("identity: invalid token")
	ErrExpired          = errors.New("identity: token expired")
	ErrAudienceMismatch = errors.New("identity: audience mismatch")
	// ErrIssuerUnreachable means the key set could not be fetched. It is
	// retryable and not a client fault.
	ErrIssuerUnreachable = errors.New("identity: issuer unreachable")
)

// A Verifier turns a bearer token into a verified identity.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (core.Identity, error)
}

// Config configures an OIDCVerifier.
type Config struct {
	Issuer   string
	Audience string
	// JWKSURL defaults to the jwks_uri of the issuer discovery document.
	JWKSURL string
	// IdentityClaims are tried in order to derive the identity id.
	IdentityClaims []string
	GroupsClaim    string
	// RefreshInterval forces a key set refetch after this age.
	RefreshInterval time.Duration
	// MinRefreshInterval limits refetches triggered by unknown key ids.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
}

var _ Verifier = (*OIDCVerifier)(nil)

// OIDCVerifier verifies RS256 and ES256 signed tokens against the cached
// key set of a single issuer.
type OIDCVerifier struct {
	cfg    Config
	parser *jwt.Parser
	now    func() time.Time
	log    *log.Entry

	mu        sync.RWMutex
	keys      *jose.JSONWebKeySet
	fetchedAt time.Time
	group     singleflight.Group
}

func NewOIDCVerifier(cfg Config) *OIDCVerifier {
	if len(cfg.IdentityClaims) == 0 {
		cfg.IdentityClaims = []string{"email", "preferred_username", "sub"}
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	v := &OIDCVerifier{
		cfg: cfg,
		now: time.Now,
		log: log.WithField("component", "identity"),
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v
}

// Verify implements Verifier.
func (v *OIDCVerifier) Verify(ctx context.Context, bearer string) (core.Identity, error) {
	if bearer == "" {
		return core.Identity{}, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no key id")
		}
		return v.key(ctx, kid)
	})
	if err != nil {
		return core.Identity{}, classify(err)
	}
	return v.identity(claims)
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrIssuerUnreachable):
		return fmt.Errorf("%w: %v", ErrIssuerUnreachable, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}

func (v *OIDCVerifier) identity(claims jwt.MapClaims) (core.Identity, error) {
	str := func(name string) string {
		s, _ := claims[name].(string)
		return s
	}
	id := core.Identity{
		Subject: str("sub"),
		Email:   str("email"),
		Name:    str("name"),
	}
	for _, c := range v.cfg.IdentityClaims {
		if s := str(c); s != "" {
			id.ID = s
			break
		}
	}
	if id.ID == "" {
		return core.Identity{}, fmt.Errorf("%w: no identity claim present", ErrInvalidToken)
	}
	switch g := claims[v.cfg.GroupsClaim].(type) {
	case []any:
		for _, item := range g {
			if s, ok := item.(string); ok && s != "" {
				id.Groups = append(id.Groups, s)
			}
		}
	case string:
		id.Groups = []string{g}
	}
	return id, nil
}

// key looks up kid in the cached key set, refetching when the set is
// stale or the kid is unknown.
func (v *OIDCVerifier) key(ctx context.Context, kid string) (any, error) {
	v.mu.RLock()
	keys, fetchedAt := v.keys, v.fetchedAt
	v.mu.RUnlock()

	age := v.now().Sub(fetchedAt)
	if keys != nil {
		if found := keys.Key(kid); len(found) > 0 && age < v.cfg.RefreshInterval {
			return found[0].Key, nil
		}
	}

	// stale sets are refetched; unknown kids only after the min interval
	if keys == nil || age >= v.cfg.MinRefreshInterval {
		fresh, err := v.refresh(ctx)
		if err != nil {
			if keys != nil {
				if found := keys.Key(kid); len(found) > 0 {
					v.log.WithError(err).Warnln("key set refresh failed, using cached keys")
					return found[0].Key, nil
				}
			}
			return nil, err
		}
		keys = fresh
	}
	if found := keys.Key(kid); len(found) > 0 {
		return found[0].Key, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

func (v *OIDCVerifier) refresh(ctx context.Context) (*jose.JSONWebKeySet, error) {
	ch := v.group.DoChan("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var keys *jose.JSONWebKeySet
		err := retry.Do(func() error {
			var err error
			keys, err = v.fetch(fetchCtx)
			return err
		},
			retry.Context(fetchCtx),
			retry.Attempts(3),
			retry.Delay(200*time.Millisecond),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIssuerUnreachable, err)
		}

		v.mu.Lock()
		v.keys = keys
		v.fetchedAt = v.now()
		v.mu.Unlock()
		v.log.WithField("keys", len(keys.Keys)).Debugln("refreshed issuer key set")
		return keys, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*jose.JSONWebKeySet), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrIssuerUnreachable, ctx.Err())
	}
}

func (v *OIDCVerifier) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	jwksURL := v.cfg.JWKSURL
	if jwksURL == "" {
		var doc struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := v.getJSON(ctx, strings.TrimSuffix(v.cfg.Issuer, "/")+"/.well-known/openid-configuration", &doc); err != nil {
			return nil, err
		}
		if doc.JWKSURI == "" {
			return nil, retry.Unrecoverable(errors.New("discovery document has no jwks_uri"))
		}
		jwksURL = doc.JWKSURI
	}
	var keys jose.JSONWebKeySet
	if err := v.getJSON(ctx, jwksURL, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

func (v *OIDCVerifier) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
