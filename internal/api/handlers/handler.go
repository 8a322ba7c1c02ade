// handler.go — сборка маршрутов HTTP API из доменных handler'ов.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javelinlab/throwsight/capture-agent/internal/api/middleware"
)

// ScopeCaptureControl — scope, требуемый для управляющих endpoints
// при включённой JWT-аутентификации.
const ScopeCaptureControl = "capture:control"

// APIHandler собирает все доменные handlers в один маршрутизатор.
type APIHandler struct {
	capture     *CaptureHandler
	submissions *SubmissionsHandler
	system      *SystemHandler
	health      *HealthHandler
	// auth — опциональная JWT-аутентификация управляющих endpoints.
	// nil — API работает без аутентификации (CA_JWKS_URL не задан).
	auth *middleware.JWTAuth
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	captureH *CaptureHandler,
	submissions *SubmissionsHandler,
	system *SystemHandler,
	health *HealthHandler,
	auth *middleware.JWTAuth,
) *APIHandler {
	return &APIHandler{
		capture:     captureH,
		submissions: submissions,
		system:      system,
		health:      health,
		auth:        auth,
	}
}

// Routes возвращает маршрутизатор со всеми endpoints агента.
// Публичные: health, metrics, info. Управляющие — под JWT, если
// аутентификация настроена.
func (h *APIHandler) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.MetricsMiddleware())

	// Публичные endpoints
	router.Get("/health/live", h.health.HealthLive)
	router.Get("/health/ready", h.health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/api/v1/info", h.system.GetAgentInfo)

	// Управляющие endpoints
	router.Group(func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth.Middleware())
			r.Use(middleware.RequireScope(ScopeCaptureControl))
		}

		r.Get("/api/v1/capture", h.capture.GetSession)
		r.Post("/api/v1/capture/acquire", h.capture.Acquire)
		r.Post("/api/v1/capture/start", h.capture.Start)
		r.Post("/api/v1/capture/stop", h.capture.Stop)
		r.Post("/api/v1/capture/release", h.capture.Release)

		r.Post("/api/v1/submissions", h.submissions.Create)
		r.Get("/api/v1/jobs/{job_id}", h.submissions.GetJob)
		r.Delete("/api/v1/jobs/{job_id}", h.submissions.DeleteJob)
	})

	return router
}
