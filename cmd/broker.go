package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ChristopherHX/gh-runner-broker/account"
	"github.com/ChristopherHX/gh-runner-broker/audit"
	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/config"
	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/credential"
	"github.com/ChristopherHX/gh-runner-broker/identity"
	"github.com/ChristopherHX/gh-runner-broker/policy"
	"github.com/ChristopherHX/gh-runner-broker/provision"
	"github.com/ChristopherHX/gh-runner-broker/reconcile"
	"github.com/ChristopherHX/gh-runner-broker/server"
	"github.com/ChristopherHX/gh-runner-broker/store"
	"github.com/ChristopherHX/gh-runner-broker/webhook"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
)

// broker holds the wired components of a running instance.
type broker struct {
	store      store.Store
	policies   *policy.Engine
	client     *client.HTTPClient
	reconciler *reconcile.Service
	server     *server.Server
}

func (b *broker) Close() error {
	return b.store.Close()
}

// openPolicies opens the store and the policy engine, importing the seed
// file when one is configured.
func openPolicies(ctx context.Context, cfg config.Config) (store.Store, *policy.Engine, error) {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	engine := policy.NewEngine(st, policy.Default(cfg.Policy.Default))
	if cfg.Policy.File != "" {
		n, err := engine.ImportFile(ctx, cfg.Policy.File)
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("import policies: %w", err)
		}
		log.WithField("file", cfg.Policy.File).
			WithField("policies", n).
			Infoln("imported policy seed file")
	}
	return st, engine, nil
}

func newBroker(ctx context.Context, cfg config.Config) (*broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	minter, err := credential.NewAppMinter(
		cfg.GitHub.AppID,
		cfg.GitHub.InstallationID,
		cfg.GitHub.PrivateKey,
		cfg.GitHub.APIURL,
		&http.Client{Timeout: cfg.GitHub.Timeout},
	)
	if err != nil {
		return nil, err
	}
	tokens := credential.NewCache(minter,
		credential.WithMargin(cfg.GitHub.RefreshMargin),
		credential.WithTimeout(cfg.GitHub.Timeout),
	)

	apiRequests := client.NewAPIRequestsCollector()
	cli := client.New(cfg.GitHub.Org, tokens,
		client.WithAPIURL(cfg.GitHub.APIURL),
		client.WithWebURL(cfg.GitHub.WebURL),
		client.WithTimeout(cfg.GitHub.Timeout),
		client.WithCollector(apiRequests),
	)

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}

	st, engine, err := openPolicies(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rec := reconcile.New(st, engine, cli, reconcile.Config{
		Interval:       cfg.Reconcile.Interval,
		PendingTimeout: cfg.Reconcile.PendingTimeout,
		OnStartup:      cfg.Reconcile.OnStartup,
	})

	auditLog := audit.New(st)
	orch := provision.New(st, engine, cli, rec, provision.Options{
		DefaultRunnerGroupID: cfg.GitHub.RunnerGroupID,
		PendingTimeout:       cfg.Reconcile.PendingTimeout,
		Admins:               cfg.Server.Admins,
		Audit:                auditLog,
	}, strategies(cli, cfg.Server.AllowedMethods)...)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		apiRequests,
		rec.Metric(),
	)

	srv := &server.Server{
		Verifier:   verifier,
		Provision:  orch,
		Policies:   engine,
		Reconciler: rec,
		Accounts:   account.NewDirectory(st, auditLog, cfg.Server.Admins),
		Audit:      auditLog,
		Gatherer:   registry,
	}
	if cfg.Webhook.Secret != "" {
		posture, err := webhook.ParsePosture(cfg.Webhook.Posture)
		if err != nil {
			st.Close()
			return nil, err
		}
		hook, err := webhook.New(cfg.Webhook.Secret, posture, st, engine, cli, rec.Trigger)
		if err != nil {
			st.Close()
			return nil, err
		}
		srv.Webhook = hook
	} else {
		log.Warnln("GITHUB_WEBHOOK_SECRET is not set, the webhook receiver is disabled")
	}

	return &broker{
		store:      st,
		policies:   engine,
		client:     cli,
		reconciler: rec,
		server:     srv,
	}, nil
}

func newVerifier(cfg config.Config) (identity.Verifier, error) {
	if cfg.OIDC.Disabled {
		v, err := identity.NewDevVerifier()
		if err != nil {
			return nil, err
		}
		log.Warnln("token verification is disabled, every request acts as " + identity.DevIdentity.ID)
		return v, nil
	}
	return identity.NewOIDCVerifier(identity.Config{
		Issuer:          cfg.OIDC.Issuer,
		Audience:        cfg.OIDC.Audience,
		JWKSURL:         cfg.OIDC.JWKSURL,
		IdentityClaims:  cfg.OIDC.IdentityClaims,
		GroupsClaim:     cfg.OIDC.GroupsClaim,
		RefreshInterval: cfg.OIDC.JWKSRefresh,
		HTTPClient:      &http.Client{Timeout: cfg.GitHub.Timeout},
	}), nil
}

// strategies returns the issuance strategies for the allowed methods.
func strategies(cli client.Client, allowed []string) []provision.IssuanceStrategy {
	var out []provision.IssuanceStrategy
	for _, m := range allowed {
		switch core.Method(m) {
		case core.MethodRegistrationToken:
			out = append(out, &provision.RegistrationTokenStrategy{Client: cli})
		case core.MethodJIT:
			out = append(out, &provision.JITStrategy{Client: cli})
		}
	}
	return out
}
