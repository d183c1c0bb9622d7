package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMargin  = 5 * time.Minute
	DefaultTimeout = 30 * time.Second
)

// Credential is an organization scoped access token.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// A Minter obtains a fresh credential from upstream.
type Minter interface {
	Mint(ctx context.Context) (Credential, error)
}

// MintError is a non-retryable minting failure: the signing material is
// unusable or upstream rejected the assertion.
type MintError struct {
	Status int
	Err    error
}

func (e *MintError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("credential mint rejected (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("credential mint failed: %v", e.Err)
}

func (e *MintError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a MintError.
func IsFatal(err error) bool {
	var me *MintError
	return errors.As(err, &me)
}

// Cache holds the current organization credential. Concurrent misses share
// one mint call, and reads of a credential outside the refresh margin never
// block on the network.
type Cache struct {
	minter  Minter
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	log     *log.Entry

	mu  sync.RWMutex
	cur *Credential
	// gen is bumped by Reset; a mint started before the bump does not
	// store its result.
	gen   uint64
	group singleflight.Group
}

func NewCache(m Minter, opts ...Option) *Cache {
	cfg := &config{
		margin:  DefaultMargin,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	return &Cache{
		minter:  m,
		margin:  cfg.margin,
		timeout: cfg.timeout,
		now:     cfg.now,
		log:     log.WithField("component", "credential"),
	}
}

// Get returns a usable credential. Inside the refresh margin the cached
// value is returned while a refresh runs in the background; a missing or
// expired credential blocks until a mint completes.
func (c *Cache) Get(ctx context.Context) (Credential, error) {
	c.mu.RLock()
	cur := c.cur
	c.mu.RUnlock()

	now := c.now()
	if cur != nil && now.Before(cur.ExpiresAt) {
		if !now.Before(cur.ExpiresAt.Add(-c.margin)) {
			c.refreshAsync()
		}
		return *cur, nil
	}

	ch := c.group.DoChan("mint", c.mint)
	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// Token implements the token source used by the upstream client.
func (c *Cache) Token(ctx context.Context) (string, error) {
	cred, err := c.Get(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// Reset drops the cached credential, including one still being minted.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.cur = nil
	c.gen++
	c.mu.Unlock()
	c.group.Forget("mint")
}

func (c *Cache) refreshAsync() {
	ch := c.group.DoChan("mint", c.mint)
	go func() {
		if res := <-ch; res.Err != nil {
			c.log.WithError(res.Err).Warnln("proactive credential refresh failed, serving cached credential")
		}
	}()
}

// mint runs detached from any caller so one cancelled request does not fail
// the callers sharing the flight.
func (c *Cache) mint() (any, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	cred, err := c.minter.Mint(ctx)
	if err != nil {
		if IsFatal(err) {
			c.log.WithError(err).Errorln("cannot mint organization credential")
		}
		return nil, err
	}

	c.mu.Lock()
	stored := c.gen == gen
	if stored {
		c.cur = &cred
	}
	c.mu.Unlock()
	if !stored {
		c.log.Debugln("credential reset during mint, result not cached")
		return cred, nil
	}
	c.log.WithField("expires_at", cred.ExpiresAt).Debugln("organization credential refreshed")
	return cred, nil
}
