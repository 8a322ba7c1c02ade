// Пакет session — конечный автомат состояний capture-сессии.
//
// Жизненный цикл:
//   - idle → previewing → recording → stopping → previewing (после остановки)
//   - release достижим из любого состояния и ведёт в idle —
//     единственный путь освобождения устройства
//
// Потокобезопасен через sync.RWMutex.
package session

import (
	"fmt"
	"sync"
	"time"
)

// State — состояние capture-сессии.
type State string

const (
	// StateIdle — устройство не занято
	StateIdle State = "idle"
	// StatePreviewing — устройство захвачено, идёт предпросмотр
	StatePreviewing State = "previewing"
	// StateRecording — идёт запись
	StateRecording State = "recording"
	// StateStopping — остановка записи в процессе
	StateStopping State = "stopping"
)

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateMachine — конечный автомат состояний capture-сессии.
// Потокобезопасен для одновременного чтения/записи.
type StateMachine struct {
	mu        sync.RWMutex
	current   State
	startedAt time.Time
	history   []TransitionRecord
	now       func() time.Time
}

// validTransitions — матрица допустимых переходов.
// Переход в idle (release) допустим из любого состояния и
// проверяется отдельно в TransitionTo.
var validTransitions = map[State]map[State]bool{
	StateIdle:       {StatePreviewing: true},
	StatePreviewing: {StateRecording: true},
	StateRecording:  {StateStopping: true},
	StateStopping:   {StatePreviewing: true},
}

// New создаёт конечный автомат в состоянии idle.
func New() *StateMachine {
	return NewWithClock(time.Now)
}

// NewWithClock создаёт конечный автомат с внешними часами.
// Используется в тестах для проверки минимальной длительности записи.
func NewWithClock(now func() time.Time) *StateMachine {
	return &StateMachine{
		current: StateIdle,
		history: make([]TransitionRecord, 0),
		now:     now,
	}
}

// Current возвращает текущее состояние.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransitionTo проверяет, допустим ли переход в указанное состояние.
func (sm *StateMachine) CanTransitionTo(target State) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if target == StateIdle {
		return true
	}
	transitions, ok := validTransitions[sm.current]
	if !ok {
		return false
	}
	return transitions[target]
}

// TransitionTo выполняет переход в указанное состояние.
//
// Инварианты:
//   - startedAt устанавливается при переходе в recording и
//     обнуляется при выходе из stopping — метка определена
//     только в состояниях recording и stopping
//   - переход в idle допустим из любого состояния (idempotent release)
//
// Ошибки:
//   - INVALID_STATE — переход недопустим
func (sm *StateMachine) TransitionTo(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !isValidState(target) {
		return &TransitionError{
			Code:    "INVALID_STATE",
			Message: fmt.Sprintf("недопустимое целевое состояние: %q", target),
		}
	}

	// release: idle достижим из любого состояния, включая idle
	if target != StateIdle {
		transitions, ok := validTransitions[sm.current]
		if !ok || !transitions[target] {
			return &TransitionError{
				Code: "INVALID_STATE",
				Message: fmt.Sprintf("переход %s → %s недопустим",
					sm.current, target),
			}
		}
	}

	// idle → idle: повторный release — no-op без записи в историю
	if sm.current == target && target == StateIdle {
		return nil
	}

	record := TransitionRecord{
		From:      sm.current,
		To:        target,
		Timestamp: time.Now().UTC(),
	}

	switch target {
	case StateRecording:
		sm.startedAt = sm.now()
	case StatePreviewing, StateIdle:
		sm.startedAt = time.Time{}
	}

	sm.current = target
	sm.history = append(sm.history, record)

	return nil
}

// StartedAt возвращает монотонную метку начала записи.
// Нулевое время, если состояние не recording и не stopping.
func (sm *StateMachine) StartedAt() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.startedAt
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_STATE)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// isValidState проверяет, является ли строка допустимым состоянием.
func isValidState(s State) bool {
	switch s {
	case StateIdle, StatePreviewing, StateRecording, StateStopping:
		return true
	default:
		return false
	}
}
