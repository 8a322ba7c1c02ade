// system.go — обработчик GET /api/v1/info (информация о Capture Agent).
// Публичный endpoint (без аутентификации) для service discovery и мониторинга.
package handlers

import (
	"net/http"

	"github.com/javelinlab/throwsight/capture-agent/internal/capture"
	"github.com/javelinlab/throwsight/capture-agent/internal/config"
)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg     *config.Config
	manager *capture.Manager
}

// NewSystemHandler создаёт обработчик системных endpoints.
func NewSystemHandler(cfg *config.Config, manager *capture.Manager) *SystemHandler {
	return &SystemHandler{
		cfg:     cfg,
		manager: manager,
	}
}

// agentInfo — тело ответа GET /api/v1/info.
type agentInfo struct {
	AgentID     string           `json:"agent_id"`
	Version     string           `json:"version"`
	AnalysisURL string           `json:"analysis_url"`
	CacheDir    string           `json:"cache_dir"`
	Session     capture.Snapshot `json:"session"`
}

// GetAgentInfo обрабатывает GET /api/v1/info.
// Без аутентификации. Возвращает информацию об агенте и снимок сессии.
func (h *SystemHandler) GetAgentInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, agentInfo{
		AgentID:     h.cfg.AgentID,
		Version:     config.Version,
		AnalysisURL: h.cfg.AnalysisURL,
		CacheDir:    h.cfg.CacheDir,
		Session:     h.manager.Snapshot(),
	})
}
