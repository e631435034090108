package server

import (
	"karaoke/internal/core/aggregate"
	"karaoke/internal/core/records"
	"karaoke/internal/core/session"
	"karaoke/internal/health"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Dependencies struct {
	Sources  *aggregate.Handler
	Sessions *session.Handler
	Records  *records.Handler
	// Checks are reported by /v1/health, keyed by component name.
	Checks map[string]health.Checker
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	healthHandler := health.NewHealthHandler(d.Checks)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/v1")

	api.Post("/sources", d.Sources.HandleSubmit)
	api.Get("/runs/:id", d.Sources.HandleGetRun)
	api.Post("/cancel", d.Sources.HandleCancel)
	api.Post("/resume", d.Sources.HandleResume)

	api.Post("/credentials", d.Sessions.HandleSupply)
	api.Get("/credentials/pending", d.Sessions.HandlePending)

	api.Get("/records", d.Records.HandleGet)

	return healthHandler
}
