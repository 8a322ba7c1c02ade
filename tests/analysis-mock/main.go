// Analysis Mock Server — минималистичный сервис для тестовой среды Capture Agent.
// Имитирует сервис анализа бросков: принимает видео по POST /upload и отдаёт
// статус обработки по GET /status/{id}. Каждая задача проходит заданное число
// опросов в состоянии processing, после чего завершается с результатом анализа.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// --- Конфигурация ---

// config хранит конфигурацию сервиса из env-переменных.
type config struct {
	Port            string // MOCK_PORT — порт HTTP-сервера (default: 8050)
	ProcessingPolls int    // MOCK_PROCESSING_POLLS — число опросов в состоянии processing (default: 2)
	FailUploads     bool   // MOCK_FAIL_UPLOADS — отвечать 500 на все загрузки
	FailAnalysis    bool   // MOCK_FAIL_ANALYSIS — завершать задачи со статусом failed
}

// loadConfig загружает конфигурацию из переменных окружения.
func loadConfig() config {
	cfg := config{
		Port:            envOrDefault("MOCK_PORT", "8050"),
		ProcessingPolls: 2,
		FailUploads:     os.Getenv("MOCK_FAIL_UPLOADS") == "true",
		FailAnalysis:    os.Getenv("MOCK_FAIL_ANALYSIS") == "true",
	}

	if v := os.Getenv("MOCK_PROCESSING_POLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ProcessingPolls = n
		}
	}

	return cfg
}

// envOrDefault возвращает значение env-переменной или default.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// --- Модель ---

// uploadResponse — ответ POST /upload.
type uploadResponse struct {
	Message   string `json:"message"`
	FileID    string `json:"file_id"`
	StatusURL string `json:"status_url"`
}

// statusResponse — ответ GET /status/{id}.
type statusResponse struct {
	Status   string          `json:"status"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	VideoURL string          `json:"video_url,omitempty"`
}

// jobRecord — состояние одной задачи анализа.
type jobRecord struct {
	SizeBytes int64
	Polls     int // число уже выполненных опросов статуса
}

// --- Handlers ---

// server объединяет состояние сервиса: зарегистрированные задачи и конфигурацию.
type server struct {
	cfg    config
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobRecord
}

// handleUpload обрабатывает POST /upload — принимает видео и регистрирует задачу.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.cfg.FailUploads {
		writeError(w, http.StatusInternalServerError, "Имитация сбоя загрузки")
		return
	}

	// Видео приходит в multipart-поле "video"
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Поле 'video' обязательно: "+err.Error())
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Ошибка чтения видео: "+err.Error())
		return
	}

	fileID := uuid.New().String()

	s.mu.Lock()
	s.jobs[fileID] = &jobRecord{SizeBytes: size}
	s.mu.Unlock()

	s.logger.Info("Видео принято",
		slog.String("file_id", fileID),
		slog.String("filename", header.Filename),
		slog.Int64("size_bytes", size),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(uploadResponse{
		Message:   "Видео принято в обработку",
		FileID:    fileID,
		StatusURL: "/status/" + fileID,
	})
}

// handleStatus обрабатывает GET /status/{id} — возвращает статус задачи.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/status/")

	s.mu.Lock()
	job, ok := s.jobs[fileID]
	if ok {
		job.Polls++
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Задача не найдена: "+fileID)
		return
	}

	resp := statusResponse{Status: "processing", Message: "Анализ техники броска"}
	switch {
	case job.Polls <= s.cfg.ProcessingPolls:
		// ещё обрабатывается
	case s.cfg.FailAnalysis:
		resp = statusResponse{
			Status:  "failed",
			Message: "Имитация сбоя анализа",
		}
	default:
		resp = statusResponse{
			Status: "completed",
			Result: json.RawMessage(
				`{"prediction":"Good Technique","confidence":0.92,"probabilities":{"Good Technique":0.92,"Needs Work":0.08}}`,
			),
			VideoURL: "/results/" + fileID + ".mp4",
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleHealth обрабатывает GET /health — проверка готовности сервиса.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// writeError отправляет JSON-ошибку клиенту.
func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// --- Main ---

func main() {
	// Загрузка конфигурации
	cfg := loadConfig()

	// Настройка логгера (JSON)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	srv := &server{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*jobRecord),
	}

	// Маршруты
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", srv.handleUpload)
	mux.HandleFunc("/status/", srv.handleStatus)
	mux.HandleFunc("/health", srv.handleHealth)

	addr := ":" + cfg.Port
	logger.Info("Запуск Analysis Mock Server",
		slog.String("addr", addr),
		slog.Int("processing_polls", cfg.ProcessingPolls),
	)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Ошибка сервера: %v\n", err)
		os.Exit(1)
	}
}
