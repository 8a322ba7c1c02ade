// device.go — абстракция камеры+микрофона.
// Реальная камера — платформенное оборудование за пределами этого
// репозитория; интерфейс Device — шов для его подключения.
// В репозитории есть одна реализация: internal/capture/devicesim.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
)

// ErrPermissionDenied — пользователь отказал в доступе к камере или
// микрофону. Восстановимая ошибка: UI может повторить запрос.
var ErrPermissionDenied = errors.New("доступ к камере/микрофону не предоставлен")

// Device — фабрика эксклюзивных дескрипторов устройства захвата.
type Device interface {
	// Open запрашивает доступ к устройству с указанным направлением камеры.
	// Возвращает ErrPermissionDenied (возможно обёрнутую), если доступ
	// не предоставлен.
	Open(ctx context.Context, facing model.Facing) (Handle, error)
}

// Handle — эксклюзивный дескриптор устройства захвата.
// Системный ресурс: одновременно существует не более одного
// открытого дескриптора.
type Handle interface {
	// StartRecording начинает запись. Устройство само обрывает запись
	// по достижении maxDuration; такая остановка неотличима от ручной.
	StartRecording(maxDuration time.Duration) error

	// StopRecording останавливает запись и возвращает записанный клип.
	StopRecording() (Clip, error)

	// Close освобождает устройство. Идемпотентен: повторный вызов — no-op.
	Close() error
}

// Clip — файл, произведённый устройством при остановке записи.
type Clip struct {
	// Path — путь к записанному файлу
	Path string
	// Size — размер файла в байтах
	Size int64
	// Duration — фактическая длительность записи
	Duration time.Duration
}
