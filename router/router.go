// Package router assembles the chi mux: middleware chain, the public
// /ak/{access_key}/... surface, /health, and the additive internal
// admin endpoint.
//
// Grounded on Sergey-Bar-Alfred's router/router.go NewRouter (ordered
// middleware chain, /healthz-/ready split), re-targeted from its
// multi-provider dispatch onto this spec's fixed two-endpoint surface.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sergeybar/ak-gateway/config"
	"github.com/sergeybar/ak-gateway/handler"
	"github.com/sergeybar/ak-gateway/internal/metrics"
	"github.com/sergeybar/ak-gateway/internal/reqid"
	gwmw "github.com/sergeybar/ak-gateway/middleware"
)

// Deps carries every collaborator the router wires into handlers.
type Deps struct {
	Config         *config.Config
	Messages       *handler.Messages
	Health         *handler.Health
	Internal       *handler.Internal
	Metrics        *metrics.Registry
	HeaderNorm     *gwmw.HeaderNormalization
	Timeout        *gwmw.TimeoutMiddleware
	RequestIDGen   reqid.Generator
	AllowedOrigins []string
}

// New builds the top-level http.Handler.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(gwmw.SecurityHeaders)
	r.Use(gwmw.CORS(d.AllowedOrigins))
	r.Use(gwmw.RequestID(d.RequestIDGen))
	r.Use(d.HeaderNorm.Handler)
	r.Use(gwmw.BodyLimit(d.Config.MaxBodyBytes))
	r.Use(d.Timeout.Handler)

	r.Get("/health", d.Health.Healthz)
	r.Get("/health/detail", d.Health.Detail)
	r.Get("/metrics", d.Metrics.Handler())

	r.Route("/ak/{access_key}/v1/messages", func(ak chi.Router) {
		ak.Post("/", d.Messages.CreateMessage)
		ak.Post("/count_tokens", d.Messages.CountTokens)
	})

	r.Route("/internal/keys/{key_hash}", func(ik chi.Router) {
		ik.Post("/invalidate", d.Internal.InvalidateKey)
	})

	return r
}
