// Пакет model — доменные модели capture-agent.
// Описывает жизненный цикл видеоактива: записанный ролик (CapturedAsset),
// результат решения о размещении (PersistedAsset), серверную задачу
// анализа (UploadJob) и итоговый результат (Result).
package model

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// Facing — направление камеры.
type Facing string

const (
	// FacingFront — фронтальная камера
	FacingFront Facing = "front"
	// FacingBack — основная (задняя) камера
	FacingBack Facing = "back"
)

// IsValid проверяет, является ли значение допустимым направлением камеры.
func (f Facing) IsValid() bool {
	return f == FacingFront || f == FacingBack
}

// CapturedAsset — видеофайл, полученный записью или импортом.
// SourceURI никогда не изменяется после создания.
type CapturedAsset struct {
	// SourceURI — путь к файлу, созданному устройством или выбранному пользователем
	SourceURI string `json:"source_uri"`

	// SizeBytes — размер файла в байтах.
	// Известен до принятия решения о размещении.
	SizeBytes int64 `json:"size_bytes"`

	// Duration — длительность записи (0 для импортированных файлов)
	Duration time.Duration `json:"duration"`

	// CreatedAt — момент завершения записи или импорта (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// PersistedAsset — актив после решения о размещении в Local Asset Store.
type PersistedAsset struct {
	// FinalURI — путь к копии в кэш-директории либо нормализованный
	// абсолютный путь к оригиналу (для больших файлов и при деградации)
	FinalURI string `json:"final_uri"`

	// IsCopy — true, если в кэш-директории существует физическая копия
	IsCopy bool `json:"is_copy"`

	// SizeBytes — размер файла в байтах
	SizeBytes int64 `json:"size_bytes"`
}

// Ext возвращает расширение файла актива без точки, в нижнем регистре.
// Пустая строка, если расширения нет.
func (p *PersistedAsset) Ext() string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(p.FinalURI), "."))
}

// JobState — состояние задачи анализа.
type JobState string

const (
	// JobSubmitted — загрузка принята сервером, опрос ещё не дал ответа
	JobSubmitted JobState = "submitted"
	// JobProcessing — сервер анализирует видео
	JobProcessing JobState = "processing"
	// JobCompleted — терминальное состояние: результат получен
	JobCompleted JobState = "completed"
	// JobFailed — терминальное состояние: анализ завершился ошибкой
	JobFailed JobState = "failed"
)

// IsTerminal проверяет, является ли состояние терминальным.
// После терминального состояния опрос не продолжается.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// UploadJob — серверная задача анализа, отслеживаемая агентом.
// Изменяется только Job Status Poller-ом; ровно один терминальный
// переход за время жизни задачи.
type UploadJob struct {
	// JobID — идентификатор задачи (file_id из ответа сервера)
	JobID string `json:"job_id"`

	// StatusURL — URL для опроса статуса
	StatusURL string `json:"status_url"`

	// State — текущее состояние задачи
	State JobState `json:"state"`

	// Progress — человекочитаемое сообщение о ходе анализа
	Progress string `json:"progress,omitempty"`

	// AssetURI — путь к локальному активу, породившему задачу
	AssetURI string `json:"asset_uri,omitempty"`

	// SubmittedAt — момент успешной загрузки (UTC)
	SubmittedAt time.Time `json:"submitted_at"`
}

// Result — итог анализа, передаваемый внешнему рендереру без изменений.
type Result struct {
	// Payload — непрозрачный результат классификации
	// (prediction, confidence, вероятности по классам)
	Payload json.RawMessage `json:"result"`

	// VideoURL — путь к аннотированному видео на сервере
	VideoURL string `json:"video_url"`
}
