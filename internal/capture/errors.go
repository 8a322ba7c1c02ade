// errors.go — типизированные ошибки Capture Session Manager.
// Ошибки ресурсов устройства не покидают границу менеджера как panic —
// они становятся явным состоянием, на которое реагирует UI.
package capture

import (
	"errors"
	"fmt"
)

// Коды ошибок capture-сессии.
const (
	// CodePermissionDenied — отказ в доступе к камере/микрофону (восстановимо)
	CodePermissionDenied = "PERMISSION_DENIED"
	// CodeInvalidState — операция вызвана вне допустимой последовательности
	CodeInvalidState = "INVALID_STATE"
	// CodeTooShort — запись короче минимальной длительности (восстановимо)
	CodeTooShort = "TOO_SHORT"
	// CodeDeviceFailure — ошибка устройства при открытии/записи/остановке
	CodeDeviceFailure = "DEVICE_FAILURE"
)

// SessionError — ошибка операции capture-сессии.
type SessionError struct {
	Code    string // Машиночитаемый код
	Message string // Человекочитаемое описание
	Err     error  // Исходная ошибка устройства (опционально)
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap возвращает исходную ошибку устройства.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsCode проверяет, что ошибка — SessionError с указанным кодом.
func IsCode(err error, code string) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Code == code
}
