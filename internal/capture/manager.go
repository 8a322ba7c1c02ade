// manager.go — Capture Session Manager: эксклюзивный доступ к устройству
// захвата и инварианты записи.
//
// Гарантии:
//   - не более одной сессии в состоянии recording на весь процесс
//   - дескриптор устройства освобождается на каждом пути выхода
//     (успех, ошибка, смена камеры, teardown)
//   - запись короче минимальной длительности не порождает актив,
//     но остановка устройству всё равно отправляется
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
	"github.com/javelinlab/throwsight/capture-agent/internal/domain/session"
)

// Prometheus метрики записи
var (
	// recordingsTotal — количество попыток записи по результату.
	recordingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ca_recordings_total",
			Help: "Общее количество попыток записи",
		},
		[]string{"result"},
	)

	// recordingDuration — гистограмма длительности записей.
	recordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ca_recording_duration_seconds",
		Help:    "Длительность успешных записей в секундах",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30},
	})
)

// recordingSlot — глобальный слот записи. На весь процесс одновременно
// может идти не более одной записи независимо от числа менеджеров.
var recordingSlot struct {
	mu   sync.Mutex
	held bool
}

// tryAcquireRecordingSlot пытается занять глобальный слот записи.
func tryAcquireRecordingSlot() bool {
	recordingSlot.mu.Lock()
	defer recordingSlot.mu.Unlock()
	if recordingSlot.held {
		return false
	}
	recordingSlot.held = true
	return true
}

// releaseRecordingSlot освобождает глобальный слот записи.
// Освобождение незанятого слота — no-op.
func releaseRecordingSlot() {
	recordingSlot.mu.Lock()
	defer recordingSlot.mu.Unlock()
	recordingSlot.held = false
}

// Snapshot — снимок состояния сессии для UI.
type Snapshot struct {
	// State — текущее состояние сессии
	State session.State `json:"state"`
	// Facing — направление камеры (определено, если устройство захвачено)
	Facing model.Facing `json:"facing,omitempty"`
	// PermissionDenied — последний Acquire завершился отказом в доступе;
	// UI показывает постоянный запрос разрешения и может повторить Acquire
	PermissionDenied bool `json:"permission_denied"`
	// AttemptID — идентификатор текущей попытки записи
	AttemptID string `json:"attempt_id,omitempty"`
}

// Manager — менеджер capture-сессии. Владеет дескриптором устройства;
// больше никто дескриптор не хранит.
type Manager struct {
	device      Device
	minDuration time.Duration
	maxDuration time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	sm         *session.StateMachine
	handle     Handle
	facing     model.Facing
	attemptID  string
	permDenied bool
	slotHeld   bool // этот менеджер занимает глобальный слот записи
}

// NewManager создаёт менеджер capture-сессии.
//
// Параметры:
//   - device: фабрика дескрипторов устройства
//   - minDuration: минимальная длительность записи (CA_MIN_RECORDING)
//   - maxDuration: жёсткий предел длительности (CA_MAX_RECORDING)
//   - logger: логгер
func NewManager(device Device, minDuration, maxDuration time.Duration, logger *slog.Logger) *Manager {
	return newManager(device, minDuration, maxDuration, logger, time.Now)
}

// NewManagerWithClock создаёт менеджер с внешними часами.
// Используется в тестах для проверки минимальной длительности.
func NewManagerWithClock(device Device, minDuration, maxDuration time.Duration, logger *slog.Logger, now func() time.Time) *Manager {
	return newManager(device, minDuration, maxDuration, logger, now)
}

func newManager(device Device, minDuration, maxDuration time.Duration, logger *slog.Logger, now func() time.Time) *Manager {
	return &Manager{
		device:      device,
		minDuration: minDuration,
		maxDuration: maxDuration,
		logger:      logger.With(slog.String("component", "capture")),
		now:         now,
		sm:          session.NewWithClock(now),
	}
}

// Snapshot возвращает снимок состояния сессии.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:            m.sm.Current(),
		Facing:           m.facing,
		PermissionDenied: m.permDenied,
		AttemptID:        m.attemptID,
	}
}

// Acquire захватывает устройство с указанным направлением камеры.
//
// Идемпотентен: повторный вызов с тем же направлением — no-op.
// Смена направления сначала полностью освобождает текущий дескриптор
// (двойное освобождение исключено: операции сериализованы мьютексом,
// смена камеры не начнётся, пока остановка записи не завершится).
//
// Отказ в доступе не фатален: состояние PermissionDenied сохраняется
// в снимке, сессия остаётся в idle, Acquire можно повторить.
func (m *Manager) Acquire(ctx context.Context, facing model.Facing) error {
	if !facing.IsValid() {
		return &SessionError{
			Code:    CodeInvalidState,
			Message: fmt.Sprintf("недопустимое направление камеры: %q", facing),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Уже захвачено с тем же направлением — no-op
	if m.handle != nil && m.facing == facing {
		return nil
	}

	// Смена направления: teardown перед повторным захватом
	if m.handle != nil {
		m.releaseLocked()
	}

	handle, err := m.device.Open(ctx, facing)
	if err != nil {
		if errorsIsPermission(err) {
			m.permDenied = true
			m.logger.Warn("Отказ в доступе к устройству захвата",
				slog.String("facing", string(facing)),
			)
			return &SessionError{
				Code:    CodePermissionDenied,
				Message: "доступ к камере/микрофону не предоставлен",
				Err:     err,
			}
		}
		return &SessionError{
			Code:    CodeDeviceFailure,
			Message: "не удалось открыть устройство захвата",
			Err:     err,
		}
	}

	m.handle = handle
	m.facing = facing
	m.permDenied = false
	_ = m.sm.TransitionTo(session.StatePreviewing)

	m.logger.Info("Устройство захвачено",
		slog.String("facing", string(facing)),
	)
	return nil
}

// StartRecording начинает запись.
//
// Ошибки:
//   - INVALID_STATE — сессия не в previewing либо запись уже идёт
//     (в том числе в другой сессии: глобальный слот занят)
func (m *Manager) StartRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil || m.sm.Current() != session.StatePreviewing {
		return &SessionError{
			Code: CodeInvalidState,
			Message: fmt.Sprintf("запись недоступна в состоянии %q",
				m.sm.Current()),
		}
	}

	if !tryAcquireRecordingSlot() {
		return &SessionError{
			Code:    CodeInvalidState,
			Message: "запись уже идёт в другой сессии",
		}
	}

	if err := m.handle.StartRecording(m.maxDuration); err != nil {
		releaseRecordingSlot()
		recordingsTotal.WithLabelValues("device_error").Inc()
		return &SessionError{
			Code:    CodeDeviceFailure,
			Message: "устройство не начало запись",
			Err:     err,
		}
	}

	m.slotHeld = true
	m.attemptID = uuid.New().String()
	_ = m.sm.TransitionTo(session.StateRecording)

	m.logger.Info("Запись начата",
		slog.String("attempt_id", m.attemptID),
		slog.String("max_duration", m.maxDuration.String()),
	)
	return nil
}

// StopRecording останавливает запись и возвращает записанный актив.
//
// Остановка устройству отправляется всегда, даже если запись короче
// минимальной длительности — ресурсы устройства должны освободиться.
// Но при elapsed < minDuration актив не создаётся: возвращается TOO_SHORT,
// вызывающий код не должен переходить к сохранению/загрузке.
func (m *Manager) StopRecording() (*model.CapturedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil || m.sm.Current() != session.StateRecording {
		return nil, &SessionError{
			Code: CodeInvalidState,
			Message: fmt.Sprintf("остановка недоступна в состоянии %q",
				m.sm.Current()),
		}
	}

	startedAt := m.sm.StartedAt()
	_ = m.sm.TransitionTo(session.StateStopping)

	// Остановка устройству отправляется безусловно
	clip, stopErr := m.handle.StopRecording()

	// Запись завершена — слот свободен независимо от исхода
	if m.slotHeld {
		releaseRecordingSlot()
		m.slotHeld = false
	}
	_ = m.sm.TransitionTo(session.StatePreviewing)

	attemptID := m.attemptID
	m.attemptID = ""

	if stopErr != nil {
		recordingsTotal.WithLabelValues("device_error").Inc()
		return nil, &SessionError{
			Code:    CodeDeviceFailure,
			Message: "устройство не завершило запись",
			Err:     stopErr,
		}
	}

	elapsed := m.now().Sub(startedAt)
	if elapsed < m.minDuration {
		// Клип устройства не становится активом — подчищаем
		_ = os.Remove(clip.Path)
		recordingsTotal.WithLabelValues("too_short").Inc()
		m.logger.Info("Запись слишком короткая",
			slog.String("attempt_id", attemptID),
			slog.Duration("elapsed", elapsed),
			slog.Duration("min", m.minDuration),
		)
		return nil, &SessionError{
			Code: CodeTooShort,
			Message: fmt.Sprintf("запись %s короче минимальной длительности %s",
				elapsed.Round(time.Millisecond), m.minDuration),
		}
	}

	size := clip.Size
	if size == 0 {
		if info, err := os.Stat(clip.Path); err == nil {
			size = info.Size()
		}
	}

	asset := &model.CapturedAsset{
		SourceURI: clip.Path,
		SizeBytes: size,
		Duration:  elapsed,
		CreatedAt: m.now().UTC(),
	}

	recordingsTotal.WithLabelValues("ok").Inc()
	recordingDuration.Observe(elapsed.Seconds())

	m.logger.Info("Запись завершена",
		slog.String("attempt_id", attemptID),
		slog.String("path", asset.SourceURI),
		slog.Int64("size", asset.SizeBytes),
		slog.Duration("elapsed", elapsed),
	)
	return asset, nil
}

// Release безусловно освобождает устройство. Идемпотентен: повторный
// вызов — no-op. Вызывается на каждом teardown-пути: выход с экрана,
// смена камеры (перед повторным захватом), уход приложения в фон.
// Ни один путь не оставляет дескриптор устройства захваченным.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

// releaseLocked — освобождение под уже взятым мьютексом.
func (m *Manager) releaseLocked() {
	if m.slotHeld {
		releaseRecordingSlot()
		m.slotHeld = false
	}
	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			// Ошибка закрытия не препятствует обнулению дескриптора
			m.logger.Error("Ошибка закрытия устройства",
				slog.String("error", err.Error()),
			)
		}
		m.handle = nil
		m.logger.Info("Устройство освобождено",
			slog.String("facing", string(m.facing)),
		)
	}
	m.facing = ""
	m.attemptID = ""
	_ = m.sm.TransitionTo(session.StateIdle)
}

// errorsIsPermission проверяет, является ли ошибка отказом в доступе.
func errorsIsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
