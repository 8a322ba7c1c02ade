// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/javelinlab/throwsight/capture-agent/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// DependencyHealthProvider — источник состояния внешних зависимостей
// (dephealth-монитор сервиса анализа).
type DependencyHealthProvider interface {
	Health() map[string]bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// cacheDir — путь к кэш-директории (для проверки FS)
	cacheDir string
	// deps — монитор зависимостей (nil, если dephealth не запущен)
	deps DependencyHealthProvider
}

// NewHealthHandler создаёт обработчик health endpoints.
// deps может быть nil — тогда проверка зависимостей пропускается.
func NewHealthHandler(cacheDir string, deps DependencyHealthProvider) *HealthHandler {
	return &HealthHandler{
		version:  config.Version,
		cacheDir: cacheDir,
		deps:     deps,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс агента жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "capture-agent",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: кэш-директория доступна на запись, сервис анализа жив.
// Недоступность сервиса анализа — degraded, не fail: запись и локальное
// сохранение работают и без него.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	fsCheck := h.checkCacheDir()
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	checks := map[string]any{
		"cache_dir": fsCheck,
	}

	if h.deps != nil {
		depsCheck := h.checkDependencies()
		checks["analysis_service"] = depsCheck
		if depsCheck["status"] != "ok" && overallStatus != statusFail {
			overallStatus = "degraded"
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "capture-agent",
		"checks":    checks,
	})
}

// checkCacheDir проверяет доступность кэш-директории на запись.
func (h *HealthHandler) checkCacheDir() map[string]any {
	if h.cacheDir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.cacheDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Кэш-директория недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}

// checkDependencies агрегирует состояние зависимостей dephealth.
func (h *HealthHandler) checkDependencies() map[string]any {
	health := h.deps.Health()
	if len(health) == 0 {
		return map[string]any{
			"status":  "ok",
			"message": "Первая проверка ещё не завершена",
		}
	}

	for dep, ok := range health {
		if !ok {
			return map[string]any{
				"status":  statusFail,
				"message": "Зависимость недоступна: " + dep,
			}
		}
	}

	return map[string]any{
		"status": "ok",
	}
}
