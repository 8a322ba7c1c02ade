// Пакет errors — конструкторы стандартных ошибок HTTP API агента.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок HTTP API.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInvalidState     = "INVALID_STATE"
	CodeTooShort         = "TOO_SHORT"
	CodeDeviceFailure    = "DEVICE_FAILURE"
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeJobFailed        = "JOB_FAILED"
	CodeJobTimeout       = "JOB_TIMEOUT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// PermissionDenied — 403 доступ к камере запрещён пользователем.
func PermissionDenied(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodePermissionDenied, message)
}

// InvalidState — 409 операция недопустима в текущем состоянии сессии.
func InvalidState(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeInvalidState, message)
}

// TooShort — 422 запись короче минимальной длительности.
func TooShort(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, CodeTooShort, message)
}

// DeviceFailure — 500 ошибка устройства записи.
func DeviceFailure(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeDeviceFailure, message)
}

// UploadFailed — 502 сервис анализа недоступен или отверг загрузку.
func UploadFailed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeUploadFailed, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
