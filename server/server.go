// Package server exposes the broker HTTP API.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/account"
	"github.com/ChristopherHX/gh-runner-broker/audit"
	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/identity"
	"github.com/ChristopherHX/gh-runner-broker/policy"
	"github.com/ChristopherHX/gh-runner-broker/provision"
	"github.com/ChristopherHX/gh-runner-broker/reconcile"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const maxRequestBody = 1 << 20

// Reconciler runs a reconciliation cycle on demand and reports on the
// last one.
type Reconciler interface {
	Cycle(ctx context.Context) (*reconcile.Summary, error)
	Status() reconcile.Status
}

// Server holds the collaborators of the HTTP API.
type Server struct {
	Verifier   identity.Verifier
	Provision  *provision.Orchestrator
	Policies   *policy.Engine
	Reconciler Reconciler
	// Accounts is nil when every verified caller is admitted.
	Accounts *account.Directory
	Audit    *audit.Log
	// Webhook is nil when no webhook secret is configured.
	Webhook  http.Handler
	Gatherer prometheus.Gatherer

	log *log.Entry
}

type ctxKey struct{}

func withIdentity(ctx context.Context, id core.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Caller returns the verified identity of the request.
func Caller(ctx context.Context) core.Identity {
	id, _ := ctx.Value(ctxKey{}).(core.Identity)
	return id
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	s.log = log.WithField("component", "server")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(requestInfo)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/api/v1/webhooks/github", func(w http.ResponseWriter, r *http.Request) {
		if s.Webhook == nil {
			writeError(w, http.StatusNotFound, "not_found", "webhook receiver not configured")
			return
		}
		s.Webhook.ServeHTTP(w, r)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(s.authenticate)

		r.Route("/runners", func(r chi.Router) {
			r.Post("/provision", s.provision(core.MethodRegistrationToken))
			r.Post("/jit", s.provision(core.MethodJIT))
			r.Get("/", s.listRunners(false))
			r.Get("/{id}", s.getRunner)
			r.Post("/{id}/refresh", s.refreshRunner)
			r.Delete("/{id}", s.deleteRunner)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/policies", s.listPolicies)
			r.Get("/policies/{kind}/{subject}", s.getPolicy)
			r.Put("/policies/{kind}/{subject}", s.putPolicy)
			r.Delete("/policies/{kind}/{subject}", s.deletePolicy)
			r.Get("/security-events", s.listEvents)
			r.Get("/runners", s.listRunners(true))
			r.Post("/runners/batch-delete", s.batchDelete)
			r.Post("/reconcile", s.runReconcile)
			r.Get("/reconcile/status", s.reconcileStatus)
			r.Get("/audit", s.listAudit)
			r.Route("/accounts", func(r chi.Router) {
				r.Use(s.requireAccounts)
				r.Get("/", s.listAccounts)
				r.Post("/", s.createAccount)
				r.Get("/{id}", s.getAccount)
				r.Put("/{id}", s.updateAccount)
				r.Delete("/{id}", s.deleteAccount)
				r.Post("/{id}/activate", s.setAccountActive(true))
				r.Post("/{id}/deactivate", s.setAccountActive(false))
			})
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("duration", time.Since(start)).
			WithField("request_id", middleware.GetReqID(r.Context())).
			Debugln("request")
	})
}

// requestInfo makes the client address and user agent available to the
// audit log.
func requestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := core.WithRequestInfo(r.Context(), core.RequestInfo{IP: ip, UserAgent: r.UserAgent()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if !strings.EqualFold(scheme, "Bearer") {
			token = ""
		}
		id, err := s.Verifier.Verify(r.Context(), strings.TrimSpace(token))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if s.Accounts != nil {
			if id, err = s.Accounts.Resolve(r.Context(), id); err != nil {
				s.writeErr(w, r, err)
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Provision.IsAdmin(Caller(r.Context())) {
			writeError(w, http.StatusForbidden, "forbidden", "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAccounts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Accounts == nil {
			writeError(w, http.StatusNotFound, "not_found", "account management not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}
