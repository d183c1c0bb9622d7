package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type (
	// Config provides the system configuration.
	Config struct {
		Debug     bool `envconfig:"BROKER_DEBUG"`
		Trace     bool `envconfig:"BROKER_TRACE"`
		Logging   Logging
		Server    Server
		GitHub    GitHub
		OIDC      OIDC
		Database  Database
		Reconcile Reconcile
		Webhook   Webhook
		Policy    Policy
	}

	Logging struct {
		Level  string `envconfig:"BROKER_LOG_LEVEL" default:"info"`
		Format string `envconfig:"BROKER_LOG_FORMAT" default:"text"`
	}

	Server struct {
		ListenAddr      string        `envconfig:"BROKER_LISTEN_ADDR" default:":8080"`
		ShutdownTimeout time.Duration `envconfig:"BROKER_SHUTDOWN_TIMEOUT" default:"15s"`
		Admins          []string      `envconfig:"BROKER_ADMIN_IDENTITIES"`
		AllowedMethods  []string      `envconfig:"BROKER_ALLOWED_METHODS" default:"registration_token,jit"`
	}

	GitHub struct {
		AppID          string        `envconfig:"GITHUB_APP_ID"`
		InstallationID int64         `envconfig:"GITHUB_APP_INSTALLATION_ID"`
		PrivateKeyFile string        `envconfig:"GITHUB_APP_PRIVATE_KEY_FILE"`
		PrivateKey     []byte        `ignored:"true"`
		Org            string        `envconfig:"GITHUB_ORG"`
		APIURL         string        `envconfig:"GITHUB_API_URL" default:"https://api.github.com"`
		WebURL         string        `envconfig:"GITHUB_URL" default:"https://github.com"`
		RunnerGroupID  int64         `envconfig:"GITHUB_RUNNER_GROUP_ID" default:"1"`
		Timeout        time.Duration `envconfig:"GITHUB_TIMEOUT" default:"15s"`
		RefreshMargin  time.Duration `envconfig:"GITHUB_TOKEN_REFRESH_MARGIN" default:"5m"`
	}

	OIDC struct {
		Issuer         string        `envconfig:"OIDC_ISSUER"`
		Audience       string        `envconfig:"OIDC_AUDIENCE"`
		JWKSURL        string        `envconfig:"OIDC_JWKS_URL"`
		JWKSRefresh    time.Duration `envconfig:"OIDC_JWKS_REFRESH" default:"1h"`
		IdentityClaims []string      `envconfig:"OIDC_IDENTITY_CLAIMS" default:"email,preferred_username,sub"`
		GroupsClaim    string        `envconfig:"OIDC_GROUPS_CLAIM" default:"groups"`
		Disabled       bool          `envconfig:"OIDC_DISABLED"`
	}

	Database struct {
		Driver string `envconfig:"BROKER_DATABASE_DRIVER" default:"sqlite"`
		DSN    string `envconfig:"BROKER_DATABASE_DSN" default:"broker.db"`
	}

	Reconcile struct {
		Interval       time.Duration `envconfig:"BROKER_RECONCILE_INTERVAL" default:"2m"`
		OnStartup      bool          `envconfig:"BROKER_RECONCILE_ON_STARTUP" default:"true"`
		PendingTimeout time.Duration `envconfig:"BROKER_PENDING_TIMEOUT" default:"1h"`
	}

	Webhook struct {
		Secret  string `envconfig:"GITHUB_WEBHOOK_SECRET"`
		Posture string `envconfig:"BROKER_WEBHOOK_POSTURE" default:"audit"`
	}

	Policy struct {
		File    string `envconfig:"BROKER_POLICY_FILE"`
		Default string `envconfig:"BROKER_POLICY_DEFAULT" default:"deny"`
	}
)

// Load reads envFile into the process environment, when it exists, and
// returns the settings from the environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	return FromEnviron()
}

// FromEnviron returns the settings from the environment.
func FromEnviron() (Config, error) {
	cfg := Config{}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}

	cfg.Server.Admins = trimAll(cfg.Server.Admins)
	cfg.Server.AllowedMethods = trimAll(cfg.Server.AllowedMethods)
	cfg.OIDC.IdentityClaims = trimAll(cfg.OIDC.IdentityClaims)

	if file := cfg.GitHub.PrivateKeyFile; file != "" {
		key, err := os.ReadFile(file)
		if err != nil {
			return cfg, fmt.Errorf("read GitHub App private key: %w", err)
		}
		cfg.GitHub.PrivateKey = key
	}

	return cfg, nil
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports every missing or invalid setting needed to serve.
func (c Config) Validate() error {
	var errs *multierror.Error
	required := func(value, name string) {
		if value == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s is required", name))
		}
	}

	required(c.GitHub.AppID, "GITHUB_APP_ID")
	required(c.GitHub.Org, "GITHUB_ORG")
	if c.GitHub.InstallationID == 0 {
		errs = multierror.Append(errs, errors.New("GITHUB_APP_INSTALLATION_ID is required"))
	}
	if len(c.GitHub.PrivateKey) == 0 {
		errs = multierror.Append(errs, errors.New("GITHUB_APP_PRIVATE_KEY_FILE is required"))
	}
	for _, u := range []struct{ name, value string }{
		{"GITHUB_API_URL", c.GitHub.APIURL},
		{"GITHUB_URL", c.GitHub.WebURL},
	} {
		if _, err := url.ParseRequestURI(u.value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", u.name, err))
		}
	}

	if !c.OIDC.Disabled {
		required(c.OIDC.Issuer, "OIDC_ISSUER")
		required(c.OIDC.Audience, "OIDC_AUDIENCE")
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		required(c.Database.DSN, "BROKER_DATABASE_DSN")
	default:
		errs = multierror.Append(errs, fmt.Errorf("BROKER_DATABASE_DRIVER: unknown driver %q", c.Database.Driver))
	}

	if c.Reconcile.Interval <= 0 {
		errs = multierror.Append(errs, errors.New("BROKER_RECONCILE_INTERVAL must be positive"))
	}
	if c.Reconcile.PendingTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("BROKER_PENDING_TIMEOUT must be positive"))
	}

	switch strings.ToLower(c.Webhook.Posture) {
	case "audit", "enforce":
	default:
		errs = multierror.Append(errs, fmt.Errorf("BROKER_WEBHOOK_POSTURE: unknown posture %q", c.Webhook.Posture))
	}
	switch c.Policy.Default {
	case "deny", "allow":
	default:
		errs = multierror.Append(errs, fmt.Errorf("BROKER_POLICY_DEFAULT: must be deny or allow, got %q", c.Policy.Default))
	}
	for _, m := range c.Server.AllowedMethods {
		if m != "registration_token" && m != "jit" {
			errs = multierror.Append(errs, fmt.Errorf("BROKER_ALLOWED_METHODS: unknown method %q", m))
		}
	}
	if len(c.Server.AllowedMethods) == 0 {
		errs = multierror.Append(errs, errors.New("BROKER_ALLOWED_METHODS must name at least one method"))
	}

	return errs.ErrorOrNil()
}
