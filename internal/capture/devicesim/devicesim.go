// Пакет devicesim — симулятор устройства захвата.
// Пишет синтетические mp4-сегменты на диск; используется демоном
// по умолчанию и тестовым стендом. Реальная камера подключается
// через тот же интерфейс capture.Device.
package devicesim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/javelinlab/throwsight/capture-agent/internal/capture"
	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
)

// bytesPerSecond — условный битрейт синтетического видео.
const bytesPerSecond = 4096

// Options — параметры симулятора.
type Options struct {
	// Dir — директория для записанных сегментов
	Dir string
	// Clock — внешние часы (по умолчанию time.Now)
	Clock func() time.Time
	// DenyPermission — имитировать отказ в доступе при Open
	DenyPermission bool
}

// Device — симулятор устройства захвата.
type Device struct {
	dir            string
	clock          func() time.Time
	denyPermission bool

	mu   sync.Mutex
	open bool // системный инвариант: не более одного открытого дескриптора
}

// New создаёт симулятор. Директория сегментов создаётся при первом Open.
func New(opts Options) *Device {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Device{
		dir:            opts.Dir,
		clock:          clock,
		denyPermission: opts.DenyPermission,
	}
}

// Open выдаёт дескриптор устройства.
// Возвращает capture.ErrPermissionDenied при имитации отказа в доступе
// и ошибку, если дескриптор уже открыт.
func (d *Device) Open(ctx context.Context, facing model.Facing) (capture.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.denyPermission {
		return nil, capture.ErrPermissionDenied
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil, fmt.Errorf("устройство уже захвачено")
	}
	if err := os.MkdirAll(d.dir, 0o750); err != nil {
		return nil, fmt.Errorf("создание директории сегментов: %w", err)
	}

	d.open = true
	return &handle{device: d, facing: facing}, nil
}

// handle — дескриптор симулятора.
type handle struct {
	device *Device
	facing model.Facing

	mu          sync.Mutex
	closed      bool
	recording   bool
	startedAt   time.Time
	maxDuration time.Duration
}

// StartRecording начинает «запись»: фиксирует момент старта.
func (h *handle) StartRecording(maxDuration time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("дескриптор закрыт")
	}
	if h.recording {
		return fmt.Errorf("запись уже идёт")
	}

	h.recording = true
	h.startedAt = h.device.clock()
	h.maxDuration = maxDuration
	return nil
}

// StopRecording завершает «запись» и пишет синтетический сегмент.
// Длительность обрезается по maxDuration — так симулируется
// аппаратный предел записи: остановка по пределу неотличима от ручной.
func (h *handle) StopRecording() (capture.Clip, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || !h.recording {
		return capture.Clip{}, fmt.Errorf("запись не идёт")
	}
	h.recording = false

	elapsed := h.device.clock().Sub(h.startedAt)
	if h.maxDuration > 0 && elapsed > h.maxDuration {
		elapsed = h.maxDuration
	}

	name := fmt.Sprintf("sim_%s_%d.mp4", h.facing, h.startedAt.UnixMilli())
	path := filepath.Join(h.device.dir, name)

	// Синтетический payload пропорционален длительности
	size := int64(elapsed.Seconds() * bytesPerSecond)
	if size < 64 {
		size = 64
	}
	payload := make([]byte, size)
	copy(payload, []byte(fmt.Sprintf("synthetic clip %s %s\n", h.facing, elapsed)))

	if err := os.WriteFile(path, payload, 0o640); err != nil {
		return capture.Clip{}, fmt.Errorf("запись сегмента: %w", err)
	}

	return capture.Clip{
		Path:     path,
		Size:     size,
		Duration: elapsed,
	}, nil
}

// Close освобождает устройство. Идемпотентен.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.recording = false

	h.device.mu.Lock()
	h.device.open = false
	h.device.mu.Unlock()
	return nil
}
