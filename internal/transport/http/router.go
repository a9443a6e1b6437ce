// Package httptransport is the thin HTTP layer. Handlers decode, delegate
// to domain services, and encode; business rules stay in the services.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attest/internal/ceremony"
	"attest/internal/directory"
	"attest/internal/jwt_token"
	"attest/internal/ledger"
	"attest/internal/ledger/exporter"
	"attest/internal/platform/middleware"
	"attest/internal/signature"
	"attest/internal/timestamp"
)

// Handler carries the domain services the HTTP layer delegates to.
type Handler struct {
	ledger     *ledger.Service
	exporter   *exporter.Exporter
	signatures *signature.Service
	ceremonies *ceremony.Engine
	directory  *directory.Service
	tokens     *jwttoken.JWTService
	clock      *timestamp.TrustedSource // nil on the system clock
	logger     *slog.Logger
}

// NewHandler wires the HTTP layer. clock may be nil when no external time
// authority is configured.
func NewHandler(
	led *ledger.Service,
	exp *exporter.Exporter,
	sigs *signature.Service,
	ceremonies *ceremony.Engine,
	dir *directory.Service,
	tokens *jwttoken.JWTService,
	clock *timestamp.TrustedSource,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		ledger:     led,
		exporter:   exp,
		signatures: sigs,
		ceremonies: ceremonies,
		directory:  dir,
		tokens:     tokens,
		clock:      clock,
		logger:     logger,
	}
}

// NewRouter wires all endpoints. Everything except health, metrics, and the
// token exchange requires a bearer token.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/auth/token", h.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(h.tokens, h.logger))

		r.Post("/actors", h.handleRegisterActor)

		r.Route("/audit", func(r chi.Router) {
			r.Post("/events", h.handleAppendEvent)
			r.Get("/events", h.handleListEvents)
			r.Get("/verify", h.handleVerifyChain)
			r.Post("/export", h.handleExport)
		})

		r.Route("/signatures", func(r chi.Router) {
			r.Get("/", h.handleListSignatures)
			r.Post("/initiate", h.handleInitiateSignature)
			r.Post("/complete", h.handleCompleteSignature)
			r.Post("/{signatureID}/verify", h.handleVerifySignature)
			r.Post("/{signatureID}/invalidate", h.handleInvalidateSignature)
		})

		r.Route("/ceremonies", func(r chi.Router) {
			r.Post("/", h.handleCreateCeremony)
			r.Get("/{ceremonyID}", h.handleGetCeremony)
			r.Post("/{ceremonyID}/cancel", h.handleCancelCeremony)
			r.Route("/{ceremonyID}/requests/{requestID}", func(r chi.Router) {
				r.Post("/sign", h.handleSignRequest)
				r.Post("/complete", h.handleCompleteRequest)
				r.Post("/decline", h.handleDeclineRequest)
				r.Post("/delegate", h.handleDelegateRequest)
				r.Post("/review", h.handleReviewRequest)
			})
		})
	})

	return r
}
