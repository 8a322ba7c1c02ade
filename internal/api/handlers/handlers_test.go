package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/javelinlab/throwsight/capture-agent/internal/capture"
	"github.com/javelinlab/throwsight/capture-agent/internal/capture/devicesim"
	"github.com/javelinlab/throwsight/capture-agent/internal/config"
	"github.com/javelinlab/throwsight/capture-agent/internal/service"
	"github.com/javelinlab/throwsight/capture-agent/internal/storage/assetstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock — управляемые часы, общие для устройства и менеджера.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// errorEnvelope — формат ошибок API.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// testEnv — собранный API поверх симулятора устройства и mock-сервиса анализа.
type testEnv struct {
	router  chi.Router
	clock   *fakeClock
	manager *capture.Manager
	store   *assetstore.Store
}

// newTestEnv поднимает полный стек handlers: devicesim → manager →
// assetstore → submit/poller/jobs (против analysisURL) → router.
func newTestEnv(t *testing.T, analysisURL string) *testEnv {
	t.Helper()

	logger := testLogger()
	clock := newFakeClock()
	cacheDir := t.TempDir()

	device := devicesim.New(devicesim.Options{
		Dir:   filepath.Join(cacheDir, "capture"),
		Clock: clock.Now,
	})
	manager := capture.NewManagerWithClock(device, time.Second, 30*time.Second, logger, clock.Now)
	t.Cleanup(manager.Release)

	store, err := assetstore.New(cacheDir, 50*1024*1024, 3, logger)
	if err != nil {
		t.Fatalf("Не удалось создать asset store: %v", err)
	}

	submit := service.NewSubmitClient(analysisURL, 5*time.Second, logger)
	poller := service.NewPoller(10*time.Millisecond, 5*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	jobs := service.NewJobService(ctx, store, submit, poller, logger)
	t.Cleanup(jobs.Shutdown)

	cfg := &config.Config{
		AgentID:     "agent-test",
		AnalysisURL: analysisURL,
		CacheDir:    cacheDir,
	}

	api := NewAPIHandler(
		NewCaptureHandler(manager, store, logger),
		NewSubmissionsHandler(jobs, logger),
		NewSystemHandler(cfg, manager),
		NewHealthHandler(cacheDir, nil),
		nil, // без аутентификации
	)

	return &testEnv{
		router:  api.Routes(),
		clock:   clock,
		manager: manager,
		store:   store,
	}
}

// do выполняет запрос к роутеру и возвращает рекордер ответа.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Не удалось сериализовать тело запроса: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// decodeJSON разбирает тело ответа.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Не удалось разобрать ответ %q: %v", rec.Body.String(), err)
	}
}

// assertErrorCode проверяет статус и код ошибки в envelope.
func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, wantCode string) {
	t.Helper()
	if rec.Code != wantStatus {
		t.Fatalf("Статус = %d, ожидается %d (тело: %s)", rec.Code, wantStatus, rec.Body.String())
	}
	var env errorEnvelope
	decodeJSON(t, rec, &env)
	if env.Error.Code != wantCode {
		t.Errorf("Код ошибки = %q, ожидается %q", env.Error.Code, wantCode)
	}
}

// newAnalysisServer поднимает mock сервиса анализа: /upload → 202,
// /status/{id} → completed сразу.
func newAnalysisServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("video"); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"message":"ok","file_id":"job-1","status_url":"/status/job-1"}`)
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"completed","result":{"prediction":"Good Technique","confidence":0.92},"video_url":"/results/job-1.mp4"}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestCaptureLifecycle проверяет полный цикл через HTTP API:
// acquire → start → stop → release.
func TestCaptureLifecycle(t *testing.T) {
	env := newTestEnv(t, newAnalysisServer(t).URL)

	rec := env.do(t, http.MethodPost, "/api/v1/capture/acquire", map[string]string{"facing": "back"})
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire: статус = %d, ожидается 200 (тело: %s)", rec.Code, rec.Body.String())
	}
	var snap capture.Snapshot
	decodeJSON(t, rec, &snap)
	if snap.State != "previewing" {
		t.Errorf("Состояние после acquire = %q, ожидается previewing", snap.State)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/capture/start", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("start: статус = %d, ожидается 204 (тело: %s)", rec.Code, rec.Body.String())
	}

	env.clock.Advance(5 * time.Second)

	rec = env.do(t, http.MethodPost, "/api/v1/capture/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: статус = %d, ожидается 200 (тело: %s)", rec.Code, rec.Body.String())
	}
	var stopResp struct {
		Asset struct {
			FinalURI string `json:"final_uri"`
			IsCopy   bool   `json:"is_copy"`
		} `json:"asset"`
		DurationMS int64 `json:"duration_ms"`
	}
	decodeJSON(t, rec, &stopResp)
	if stopResp.Asset.FinalURI == "" {
		t.Error("stop: final_uri пуст")
	}
	if !stopResp.Asset.IsCopy {
		t.Error("stop: маленький файл должен быть скопирован в кэш")
	}
	if stopResp.DurationMS != 5000 {
		t.Errorf("stop: duration_ms = %d, ожидается 5000", stopResp.DurationMS)
	}
	if _, err := os.Stat(stopResp.Asset.FinalURI); err != nil {
		t.Errorf("Копия недоступна: %v", err)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/capture/release", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("release: статус = %d, ожидается 204", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/capture", nil)
	decodeJSON(t, rec, &snap)
	if snap.State != "idle" {
		t.Errorf("Состояние после release = %q, ожидается idle", snap.State)
	}
}

// TestCaptureAcquireInvalidFacing проверяет валидацию направления камеры.
func TestCaptureAcquireInvalidFacing(t *testing.T) {
	env := newTestEnv(t, newAnalysisServer(t).URL)

	rec := env.do(t, http.MethodPost, "/api/v1/capture/acquire", map[string]string{"facing": "sideways"})
	assertErrorCode(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")
}

// TestCaptureStartInvalidState проверяет, что запись недоступна без захвата.
func TestCaptureStartInvalidState(t *testing.T) {
	env := newTestEnv(t, newAnalysisServer(t).URL)

	rec := env.do(t, http.MethodPost, "/api/v1/capture/start", nil)
	assertErrorCode(t, rec, http.StatusConflict, "INVALID_STATE")
}

// TestCaptureStopTooShort проверяет, что остановка короткой записи
// возвращает 422 и сессия остаётся работоспособной.
func TestCaptureStopTooShort(t *testing.T) {
	env := newTestEnv(t, newAnalysisServer(t).URL)

	env.do(t, http.MethodPost, "/api/v1/capture/acquire", map[string]string{"facing": "back"})
	env.do(t, http.MethodPost, "/api/v1/capture/start", nil)

	env.clock.Advance(300 * time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/v1/capture/stop", nil)
	assertErrorCode(t, rec, http.StatusUnprocessableEntity, "TOO_SHORT")

	// Сессия вернулась в previewing — можно записывать снова
	rec = env.do(t, http.MethodGet, "/api/v1/capture", nil)
	var snap capture.Snapshot
	decodeJSON(t, rec, &snap)
	if snap.State != "previewing" {
		t.Errorf("Состояние после короткой записи = %q, ожидается previewing", snap.State)
	}
}

// TestSubmissionsFlow проверяет отправку файла на анализ через API:
// создание задачи, чтение статуса, отмена.
func TestSubmissionsFlow(t *testing.T) {
	env := newTestEnv(t, newAnalysisServer(t).URL)

	sourcePath := filepath.Join(t.TempDir(), "throw.mp4")
	if err := os.WriteFile(sourcePath, []byte("video-bytes"), 0o640); err != nil {
		t.Fatalf("Не удалось создать исходный файл: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/submissions", map[string]string{"source_path": sourcePath})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submissions: статус = %d, ожидается 202 (тело: %s)", rec.Code, rec.Body.String())
	}
	var created service.JobView
	decodeJSON(t, rec, &created)
	if created.JobID == "" {
		t.Fatal("submissions: job_id пуст")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+created.JobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("jobs get: статус = %d, ожидается 200", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+created.JobID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("jobs delete: статус = %d, ожидается 204", rec.Code)
	}

	// Повторное удаление — 404
	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+created.JobID, nil)
	assertErrorCode(t, rec, http.StatusNotFound, "NOT_FOUND")
}

// TestSubmissionsValidation проверяет валидацию тела запроса.
func TestSubmissionsValidation(t *testing.T) {
	env := newTestEnv(t, newAnalysisServer(t).URL)

	rec := env.do(t, http.MethodPost, "/api/v1/submissions", map[string]string{})
	assertErrorCode(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")
}

// TestJobsGetUnknown проверяет 404 для неизвестной задачи.
func TestJobsGetUnknown(t *testing.T) {
	env := newTestEnv(t, newAnalysisServer(t).URL)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/no-such-job", nil)
	assertErrorCode(t, rec, http.StatusNotFound, "NOT_FOUND")
}

// TestHealthAndInfo проверяет публичные endpoints.
func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t, newAnalysisServer(t).URL)

	rec := env.do(t, http.MethodGet, "/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health/live: статус = %d, ожидается 200", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health/ready: статус = %d, ожидается 200", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("info: статус = %d, ожидается 200", rec.Code)
	}
	var info struct {
		AgentID string `json:"agent_id"`
		Session struct {
			State string `json:"state"`
		} `json:"session"`
	}
	decodeJSON(t, rec, &info)
	if info.AgentID != "agent-test" {
		t.Errorf("agent_id = %q, ожидается agent-test", info.AgentID)
	}
	if info.Session.State != "idle" {
		t.Errorf("Состояние сессии = %q, ожидается idle", info.Session.State)
	}
}
