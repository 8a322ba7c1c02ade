// jobs.go — реестр задач анализа и оркестрация конвейера
// persist → submit → poll.
//
// Владение: реестр владеет PollHandle каждой задачи и арендой её
// локального актива. Аренда берётся до загрузки и снимается при
// терминальном исходе или отмене — eviction не удалит файл, который
// ещё загружается или может понадобиться для повторной отправки.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
	"github.com/javelinlab/throwsight/capture-agent/internal/storage/assetstore"
)

// JobView — снимок задачи для UI.
type JobView struct {
	model.UploadJob
	// Result — результат анализа (только в состоянии completed)
	Result *model.Result `json:"result,omitempty"`
	// ErrorCode — код терминальной ошибки (только в состоянии failed)
	ErrorCode string `json:"error_code,omitempty"`
	// ErrorMessage — сообщение терминальной ошибки (только failed)
	ErrorMessage string `json:"error_message,omitempty"`
}

// trackedJob — задача под управлением реестра.
type trackedJob struct {
	mu      sync.Mutex
	job     model.UploadJob
	result  *model.Result
	errCode string
	errMsg  string
	handle  *PollHandle
	// leaseReleased — аренда актива уже снята. Аренда снимается ровно
	// один раз за жизнь задачи: терминальным исходом, отменой или
	// shutdown-ом — повторное снятие обнулило бы аренду другой задачи
	// на тот же кэшированный файл.
	leaseReleased bool
}

// view возвращает снимок задачи под мьютексом.
func (t *trackedJob) view() JobView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return JobView{
		UploadJob:    t.job,
		Result:       t.result,
		ErrorCode:    t.errCode,
		ErrorMessage: t.errMsg,
	}
}

// JobService — реестр задач анализа.
type JobService struct {
	store  *assetstore.Store
	submit *SubmitClient
	poller *Poller
	logger *slog.Logger

	// rootCtx ограничивает время жизни всех горутин опроса
	rootCtx context.Context

	mu   sync.Mutex
	jobs map[string]*trackedJob
}

// NewJobService создаёт реестр задач.
// rootCtx — контекст процесса: его отмена останавливает все опросы.
func NewJobService(rootCtx context.Context, store *assetstore.Store, submit *SubmitClient, poller *Poller, logger *slog.Logger) *JobService {
	return &JobService{
		store:   store,
		submit:  submit,
		poller:  poller,
		logger:  logger.With(slog.String("component", "jobs")),
		rootCtx: rootCtx,
		jobs:    make(map[string]*trackedJob),
	}
}

// SubmitAsset загружает сохранённый актив и начинает опрос.
//
// При ошибке загрузки задача не создаётся и опрос не начинается;
// аренда актива снимается. Повтор — новая отправка от пользователя.
func (s *JobService) SubmitAsset(ctx context.Context, persisted *model.PersistedAsset) (JobView, error) {
	s.store.AcquireLease(persisted.FinalURI)

	job, err := s.submit.Submit(ctx, persisted)
	if err != nil {
		s.store.ReleaseLease(persisted.FinalURI)
		return JobView{}, err
	}

	tracked := &trackedJob{job: *job}

	s.mu.Lock()
	s.jobs[job.JobID] = tracked
	s.mu.Unlock()

	tracked.mu.Lock()
	tracked.handle = s.poller.Start(s.rootCtx, job,
		func(msg string) { s.onProgress(tracked, msg) },
		func(outcome Outcome) { s.onTerminal(tracked, outcome) },
	)
	tracked.mu.Unlock()

	return tracked.view(), nil
}

// SubmitPath сохраняет файл по пути (импорт в обход capture-сессии)
// и отправляет его на анализ.
func (s *JobService) SubmitPath(ctx context.Context, sourcePath string) (JobView, error) {
	normalized := assetstore.NormalizeURI(sourcePath)
	info, err := os.Stat(normalized)
	if err != nil {
		return JobView{}, &SubmitError{
			Code:    CodeUploadFailed,
			Message: fmt.Sprintf("файл недоступен: %s", err),
			Err:     err,
		}
	}

	asset := &model.CapturedAsset{
		SourceURI: normalized,
		SizeBytes: info.Size(),
		CreatedAt: info.ModTime().UTC(),
	}

	persisted, err := s.store.Persist(asset)
	if err != nil {
		return JobView{}, fmt.Errorf("сохранение импортированного файла: %w", err)
	}

	return s.SubmitAsset(ctx, persisted)
}

// Get возвращает снимок задачи.
func (s *JobService) Get(jobID string) (JobView, bool) {
	s.mu.Lock()
	tracked, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return JobView{}, false
	}
	return tracked.view(), true
}

// Cancel останавливает опрос и удаляет задачу из реестра.
// Вызывается при teardown экрана статуса. Идемпотентен.
func (s *JobService) Cancel(jobID string) bool {
	s.mu.Lock()
	tracked, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	tracked.mu.Lock()
	handle := tracked.handle
	tracked.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	s.releaseLeaseOnce(tracked)

	s.logger.Info("Задача отменена",
		slog.String("job_id", jobID),
	)
	return true
}

// Shutdown останавливает опрос всех задач. Вызывается при
// завершении процесса.
func (s *JobService) Shutdown() {
	s.mu.Lock()
	tracked := make([]*trackedJob, 0, len(s.jobs))
	for _, t := range s.jobs {
		tracked = append(tracked, t)
	}
	s.jobs = make(map[string]*trackedJob)
	s.mu.Unlock()

	for _, t := range tracked {
		t.mu.Lock()
		handle := t.handle
		t.mu.Unlock()
		if handle != nil {
			handle.Cancel()
		}
		s.releaseLeaseOnce(t)
	}

	if len(tracked) > 0 {
		s.logger.Info("Опрос задач остановлен",
			slog.Int("count", len(tracked)),
		)
	}
}

// onProgress обновляет сообщение о ходе анализа.
func (s *JobService) onProgress(tracked *trackedJob, msg string) {
	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	tracked.job.State = model.JobProcessing
	tracked.job.Progress = msg
}

// onTerminal фиксирует терминальный исход задачи.
// Вызывается poller-ом не более одного раза на задачу.
func (s *JobService) onTerminal(tracked *trackedJob, outcome Outcome) {
	tracked.mu.Lock()
	if outcome.Err != nil {
		tracked.job.State = model.JobFailed
		var je *JobError
		if errors.As(outcome.Err, &je) {
			tracked.errCode = je.Code
			tracked.errMsg = je.Message
		} else {
			tracked.errCode = CodeJobFailed
			tracked.errMsg = outcome.Err.Error()
		}
	} else {
		tracked.job.State = model.JobCompleted
		tracked.result = outcome.Result
	}
	tracked.mu.Unlock()

	// Анализ завершён — актив больше не нужен загрузке
	s.releaseLeaseOnce(tracked)
}

// releaseLeaseOnce снимает аренду актива задачи. Ровно одно снятие
// на задачу: терминальный исход, отмена после него и shutdown
// конкурируют за один и тот же вызов ReleaseLease.
func (s *JobService) releaseLeaseOnce(tracked *trackedJob) {
	tracked.mu.Lock()
	released := tracked.leaseReleased
	tracked.leaseReleased = true
	assetURI := tracked.job.AssetURI
	tracked.mu.Unlock()

	if !released {
		s.store.ReleaseLease(assetURI)
	}
}
