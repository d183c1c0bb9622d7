package credential

import "time"

type config struct {
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// An Option configures a Cache.
type Option interface {
	apply(*config)
}

// OptionFunc is a function that configure a value.
type OptionFunc func(*config)

func (f OptionFunc) apply(cfg *config) {
	f(cfg)
}

// WithMargin sets how long before expiry the credential is refreshed.
func WithMargin(d time.Duration) Option {
	return OptionFunc(func(cfg *config) {
		if d > 0 {
			cfg.margin = d
		}
	})
}

// WithTimeout bounds a single mint call.
func WithTimeout(d time.Duration) Option {
	return OptionFunc(func(cfg *config) {
		if d > 0 {
			cfg.timeout = d
		}
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return OptionFunc(func(cfg *config) {
		cfg.now = now
	})
}
