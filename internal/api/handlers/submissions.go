// submissions.go — обработчики отправки на анализ и реестра задач.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/javelinlab/throwsight/capture-agent/internal/api/errors"
	"github.com/javelinlab/throwsight/capture-agent/internal/service"
)

// SubmissionsHandler реализует endpoints /api/v1/submissions и /api/v1/jobs.
type SubmissionsHandler struct {
	jobs   *service.JobService
	logger *slog.Logger
}

// NewSubmissionsHandler создаёт обработчик отправки на анализ.
func NewSubmissionsHandler(jobs *service.JobService, logger *slog.Logger) *SubmissionsHandler {
	return &SubmissionsHandler{
		jobs:   jobs,
		logger: logger.With(slog.String("component", "submissions_handler")),
	}
}

// submitRequest — тело запроса POST /api/v1/submissions.
type submitRequest struct {
	// SourcePath — путь к видеофайлу: копия из кэша после записи
	// либо произвольный файл (импорт в обход capture-сессии)
	SourcePath string `json:"source_path"`
}

// Create обрабатывает POST /api/v1/submissions.
// Сохраняет файл через Local Asset Store, загружает его в сервис
// анализа и запускает опрос статуса.
func (h *SubmissionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if req.SourcePath == "" {
		apierrors.ValidationError(w, "Поле source_path обязательно")
		return
	}

	view, err := h.jobs.SubmitPath(r.Context(), req.SourcePath)
	if err != nil {
		var se *service.SubmitError
		if errors.As(err, &se) {
			apierrors.UploadFailed(w, se.Message)
			return
		}
		apierrors.InternalError(w, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, view)
}

// GetJob обрабатывает GET /api/v1/jobs/{job_id}.
func (h *SubmissionsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	view, ok := h.jobs.Get(jobID)
	if !ok {
		apierrors.NotFound(w, "Задача не найдена: "+jobID)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// DeleteJob обрабатывает DELETE /api/v1/jobs/{job_id}.
// Останавливает опрос и удаляет задачу из реестра (teardown экрана
// статуса). Повторное удаление — 404.
func (h *SubmissionsHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	if !h.jobs.Cancel(jobID) {
		apierrors.NotFound(w, "Задача не найдена: "+jobID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
