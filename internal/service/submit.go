// Пакет service — бизнес-логика capture-agent.
// submit.go — клиент загрузки актива в удалённый сервис анализа.
//
// Контракт: POST {base}/upload, multipart-поле video с именем
// video.<ext>. Ответ 202 с JSON {message, file_id, status_url}
// порождает UploadJob. Любой другой статус, таймаут или сетевая
// ошибка — UPLOAD_FAILED; сообщение сервера предпочитается
// транспортному. Автоматических повторов на этом уровне нет —
// повтор инициирует пользователь.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
)

// Prometheus метрики загрузки
var (
	// uploadsTotal — количество загрузок по результату.
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ca_uploads_total",
			Help: "Общее количество загрузок в сервис анализа",
		},
		[]string{"result"},
	)

	// uploadDuration — гистограмма длительности загрузок.
	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ca_upload_duration_seconds",
		Help:    "Длительность загрузки в сервис анализа в секундах",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// CodeUploadFailed — код ошибки загрузки.
const CodeUploadFailed = "UPLOAD_FAILED"

// SubmitError — ошибка загрузки актива.
type SubmitError struct {
	Code    string // Машиночитаемый код (UPLOAD_FAILED)
	Message string // Сообщение сервера либо транспортная ошибка
	Err     error  // Исходная ошибка (опционально)
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap возвращает исходную ошибку.
func (e *SubmitError) Unwrap() error {
	return e.Err
}

// uploadResponse — тело ответа 202 сервиса анализа.
type uploadResponse struct {
	Message   string `json:"message"`
	FileID    string `json:"file_id"`
	StatusURL string `json:"status_url"`
}

// SubmitClient — клиент загрузки в сервис анализа.
type SubmitClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSubmitClient создаёт клиент загрузки.
//
// Параметры:
//   - baseURL: адрес сервиса анализа (CA_ANALYSIS_URL)
//   - timeout: таймаут запроса загрузки (CA_UPLOAD_TIMEOUT)
//   - logger: логгер
func NewSubmitClient(baseURL string, timeout time.Duration, logger *slog.Logger) *SubmitClient {
	return &SubmitClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{},
		},
		logger: logger.With(slog.String("component", "submit")),
	}
}

// Submit загружает актив и возвращает задачу анализа.
func (c *SubmitClient) Submit(ctx context.Context, asset *model.PersistedAsset) (*model.UploadJob, error) {
	start := time.Now()

	job, err := c.submit(ctx, asset)
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	uploadsTotal.WithLabelValues("ok").Inc()
	uploadDuration.Observe(time.Since(start).Seconds())

	c.logger.Info("Актив загружен",
		slog.String("job_id", job.JobID),
		slog.String("status_url", job.StatusURL),
	)
	return job, nil
}

func (c *SubmitClient) submit(ctx context.Context, asset *model.PersistedAsset) (*model.UploadJob, error) {
	f, err := os.Open(asset.FinalURI)
	if err != nil {
		return nil, &SubmitError{
			Code:    CodeUploadFailed,
			Message: fmt.Sprintf("актив недоступен: %s", err),
			Err:     err,
		}
	}
	defer f.Close()

	ext := asset.Ext()
	if ext == "" {
		ext = "mp4"
	}

	// Streaming multipart: тело запроса пишется по мере чтения файла
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := createVideoPart(mw, ext)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		return nil, &SubmitError{
			Code:    CodeUploadFailed,
			Message: err.Error(),
			Err:     err,
		}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Сетевая ошибка загрузки",
			slog.String("error", err.Error()),
		)
		return nil, &SubmitError{
			Code:    CodeUploadFailed,
			Message: err.Error(),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg := serverErrorMessage(resp)
		c.logger.Error("Сервис анализа отверг загрузку",
			slog.Int("status", resp.StatusCode),
			slog.String("message", msg),
		)
		return nil, &SubmitError{
			Code:    CodeUploadFailed,
			Message: msg,
		}
	}

	var body uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &SubmitError{
			Code:    CodeUploadFailed,
			Message: fmt.Sprintf("некорректный ответ сервиса: %s", err),
			Err:     err,
		}
	}
	if body.FileID == "" || body.StatusURL == "" {
		return nil, &SubmitError{
			Code:    CodeUploadFailed,
			Message: "ответ сервиса без file_id или status_url",
		}
	}

	return &model.UploadJob{
		JobID:       body.FileID,
		StatusURL:   c.resolveStatusURL(body.StatusURL),
		State:       model.JobSubmitted,
		AssetURI:    asset.FinalURI,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// createVideoPart создаёт multipart-часть video с content-type
// по расширению файла.
func createVideoPart(mw *multipart.Writer, ext string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="video"; filename="video.%s"`, ext))
	h.Set("Content-Type", contentTypeForExt(ext))
	return mw.CreatePart(h)
}

// contentTypeForExt возвращает MIME-тип по расширению файла.
func contentTypeForExt(ext string) string {
	switch ext {
	case "mov":
		return "video/quicktime"
	case "avi":
		return "video/x-msvideo"
	default: // mp4 и всё не распознанное
		return "video/mp4"
	}
}

// resolveStatusURL разрешает относительный status_url относительно
// базового адреса сервиса.
func (c *SubmitClient) resolveStatusURL(statusURL string) string {
	u, err := url.Parse(statusURL)
	if err != nil {
		return c.baseURL + "/" + strings.TrimLeft(statusURL, "/")
	}
	if u.IsAbs() {
		return statusURL
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + "/" + strings.TrimLeft(statusURL, "/")
	}
	return base.ResolveReference(u).String()
}

// serverErrorMessage извлекает сообщение об ошибке из ответа сервера.
// Поддерживает форматы {"error":{"message":...}}, {"error":"..."} и
// {"message":...}; иначе — стандартный текст HTTP-статуса.
func serverErrorMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(raw) > 0 {
		var envelope struct {
			Error   json.RawMessage `json:"error"`
			Message string          `json:"message"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			if len(envelope.Error) > 0 {
				var detail struct {
					Message string `json:"message"`
				}
				if json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "" {
					return detail.Message
				}
				var plain string
				if json.Unmarshal(envelope.Error, &plain) == nil && plain != "" {
					return plain
				}
			}
			if envelope.Message != "" {
				return envelope.Message
			}
		}
	}
	return http.StatusText(resp.StatusCode)
}
