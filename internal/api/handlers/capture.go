// capture.go — обработчики endpoints capture-сессии.
// Управление устройством: захват, запись, остановка, освобождение.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/javelinlab/throwsight/capture-agent/internal/api/errors"
	"github.com/javelinlab/throwsight/capture-agent/internal/capture"
	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
	"github.com/javelinlab/throwsight/capture-agent/internal/storage/assetstore"
)

// CaptureHandler реализует endpoints /api/v1/capture*.
type CaptureHandler struct {
	manager *capture.Manager
	store   *assetstore.Store
	logger  *slog.Logger
}

// NewCaptureHandler создаёт обработчик capture-сессии.
func NewCaptureHandler(manager *capture.Manager, store *assetstore.Store, logger *slog.Logger) *CaptureHandler {
	return &CaptureHandler{
		manager: manager,
		store:   store,
		logger:  logger.With(slog.String("component", "capture_handler")),
	}
}

// acquireRequest — тело запроса POST /api/v1/capture/acquire.
type acquireRequest struct {
	Facing string `json:"facing"`
}

// GetSession обрабатывает GET /api/v1/capture.
// Возвращает снимок текущего состояния сессии.
func (h *CaptureHandler) GetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Snapshot())
}

// Acquire обрабатывает POST /api/v1/capture/acquire.
// Захватывает устройство с указанным направлением камеры.
func (h *CaptureHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	facing := model.Facing(req.Facing)
	if !facing.IsValid() {
		apierrors.ValidationError(w, "Недопустимое значение facing: ожидается front или back")
		return
	}

	if err := h.manager.Acquire(r.Context(), facing); err != nil {
		// Отказ в доступе отражён в снимке: UI показывает запрос разрешения
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.manager.Snapshot())
}

// Start обрабатывает POST /api/v1/capture/start.
func (h *CaptureHandler) Start(w http.ResponseWriter, _ *http.Request) {
	if err := h.manager.StartRecording(); err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stopResponse — тело ответа POST /api/v1/capture/stop.
type stopResponse struct {
	Asset      *model.PersistedAsset `json:"asset"`
	DurationMS int64                 `json:"duration_ms"`
}

// Stop обрабатывает POST /api/v1/capture/stop.
// Останавливает запись, сохраняет ролик через Local Asset Store и
// возвращает сохранённый актив.
func (h *CaptureHandler) Stop(w http.ResponseWriter, _ *http.Request) {
	captured, err := h.manager.StopRecording()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	persisted, err := h.store.Persist(captured)
	if err != nil {
		apierrors.InternalError(w, "Сохранение записи: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stopResponse{
		Asset:      persisted,
		DurationMS: captured.Duration.Milliseconds(),
	})
}

// Release обрабатывает POST /api/v1/capture/release. Идемпотентен.
func (h *CaptureHandler) Release(w http.ResponseWriter, _ *http.Request) {
	h.manager.Release()
	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError преобразует ошибку capture-сессии в HTTP-ответ.
func (h *CaptureHandler) writeSessionError(w http.ResponseWriter, err error) {
	var se *capture.SessionError
	if !errors.As(err, &se) {
		apierrors.InternalError(w, err.Error())
		return
	}

	switch se.Code {
	case capture.CodePermissionDenied:
		apierrors.PermissionDenied(w, se.Message)
	case capture.CodeInvalidState:
		apierrors.InvalidState(w, se.Message)
	case capture.CodeTooShort:
		apierrors.TooShort(w, se.Message)
	default:
		apierrors.DeviceFailure(w, se.Message)
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
