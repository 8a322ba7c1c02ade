// poller.go — опрос статуса задачи анализа до терминального состояния.
//
// Гарантии:
//   - терминальный callback вызывается не более одного раза, даже если
//     терминальный ответ и отмена гонятся друг с другом
//   - после терминального состояния или Cancel HTTP-запросы не выполняются
//   - Cancel идемпотентен и безопасен после естественного завершения
//
// Суммарная длительность опроса ограничена таймаутом: его истечение —
// терминальная ошибка JOB_TIMEOUT.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
)

// Prometheus метрики опроса
var (
	// pollRequestsTotal — количество запросов статуса.
	pollRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ca_poll_requests_total",
		Help: "Общее количество запросов статуса задачи",
	})

	// pollTerminalTotal — количество терминальных исходов по типу.
	pollTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ca_poll_terminal_total",
			Help: "Общее количество терминальных исходов опроса",
		},
		[]string{"outcome"},
	)
)

// Коды терминальных ошибок опроса.
const (
	// CodeJobFailed — сервис анализа сообщил об ошибке
	CodeJobFailed = "JOB_FAILED"
	// CodeJobTimeout — суммарная длительность опроса исчерпана
	CodeJobTimeout = "JOB_TIMEOUT"
)

// JobError — терминальная ошибка задачи анализа.
type JobError struct {
	Code    string // Машиночитаемый код (JOB_FAILED, JOB_TIMEOUT)
	Message string // Сообщение сервера либо описание сбоя
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Outcome — терминальный исход опроса: либо результат, либо ошибка.
type Outcome struct {
	// Result — результат анализа (nil при ошибке)
	Result *model.Result
	// Err — терминальная ошибка (*JobError, nil при успехе)
	Err error
}

// statusResponse — тело ответа GET status_url.
type statusResponse struct {
	Status   string          `json:"status"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	VideoURL string          `json:"video_url,omitempty"`
}

// Poller — опросчик статуса задач анализа.
type Poller struct {
	interval   time.Duration
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPoller создаёт опросчик.
//
// Параметры:
//   - interval: период опроса (CA_POLL_INTERVAL)
//   - timeout: предел суммарной длительности опроса (CA_POLL_TIMEOUT)
//   - logger: логгер
func NewPoller(interval, timeout time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		interval: interval,
		timeout:  timeout,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{},
		},
		logger: logger.With(slog.String("component", "poller")),
	}
}

// PollHandle — управление одним запущенным опросом.
type PollHandle struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	fired bool // терминальный callback уже вызван либо опрос отменён
	done  chan struct{}
}

// Cancel немедленно останавливает опрос. Идемпотентен; безопасен после
// естественного завершения. Подавляет терминальный callback, если тот
// ещё не успел сработать — гонка ответа и отмены разрешается в пользу
// первого.
func (h *PollHandle) Cancel() {
	h.mu.Lock()
	h.fired = true
	h.mu.Unlock()
	h.cancel()
}

// Done возвращает канал, закрываемый при завершении горутины опроса.
// Используется в тестах и при graceful shutdown.
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

// tryFire помечает опрос завершённым. Возвращает false, если
// callback уже сработал или опрос отменён.
func (h *PollHandle) tryFire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired {
		return false
	}
	h.fired = true
	return true
}

// Start запускает опрос статуса задачи.
//
// Callbacks:
//   - onProgress — обновление человекочитаемого сообщения о ходе анализа
//   - onTerminal — ровно один вызов с терминальным исходом
//     (не вызывается после Cancel)
func (p *Poller) Start(ctx context.Context, job *model.UploadJob, onProgress func(string), onTerminal func(Outcome)) *PollHandle {
	pollCtx, cancel := context.WithCancel(ctx)
	handle := &PollHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go p.run(pollCtx, handle, job.JobID, job.StatusURL, onProgress, onTerminal)

	p.logger.Info("Опрос задачи запущен",
		slog.String("job_id", job.JobID),
		slog.String("interval", p.interval.String()),
	)
	return handle
}

// run — основной цикл горутины опроса.
func (p *Poller) run(ctx context.Context, handle *PollHandle, jobID, statusURL string, onProgress func(string), onTerminal func(Outcome)) {
	defer close(handle.done)
	defer handle.cancel()

	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	fire := func(outcome Outcome, kind string) {
		if !handle.tryFire() {
			return
		}
		pollTerminalTotal.WithLabelValues(kind).Inc()
		onTerminal(outcome)
	}

	for {
		select {
		case <-ctx.Done():
			// Отмена потребителем или teardown процесса
			return

		case <-deadline.C:
			p.logger.Warn("Опрос задачи превысил предел длительности",
				slog.String("job_id", jobID),
				slog.String("timeout", p.timeout.String()),
			)
			fire(Outcome{Err: &JobError{
				Code: CodeJobTimeout,
				Message: fmt.Sprintf("анализ не завершился за %s",
					p.timeout),
			}}, "timeout")
			return

		case <-ticker.C:
			status, err := p.query(ctx, statusURL)
			if err != nil {
				if ctx.Err() != nil {
					// Запрос оборван отменой — callback подавлен
					return
				}
				p.logger.Error("Ошибка запроса статуса",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
				fire(Outcome{Err: &JobError{
					Code:    CodeJobFailed,
					Message: err.Error(),
				}}, "error")
				return
			}

			switch status.Status {
			case "processing":
				if onProgress != nil {
					onProgress(status.Message)
				}

			case "completed":
				p.logger.Info("Задача завершена",
					slog.String("job_id", jobID),
				)
				fire(Outcome{Result: &model.Result{
					Payload:  status.Result,
					VideoURL: status.VideoURL,
				}}, "completed")
				return

			default:
				msg := status.Message
				if msg == "" {
					msg = fmt.Sprintf("сервис вернул статус %q", status.Status)
				}
				p.logger.Warn("Задача завершилась ошибкой",
					slog.String("job_id", jobID),
					slog.String("status", status.Status),
					slog.String("message", msg),
				)
				fire(Outcome{Err: &JobError{
					Code:    CodeJobFailed,
					Message: msg,
				}}, "failed")
				return
			}
		}
	}
}

// query выполняет один запрос статуса.
func (p *Poller) query(ctx context.Context, statusURL string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}

	pollRequestsTotal.Inc()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("статус-endpoint вернул %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("некорректный ответ статус-endpoint: %w", err)
	}
	return &status, nil
}
