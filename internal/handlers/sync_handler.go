// internal/handlers/sync_handler.go
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/service"
	"go_sarathi_progress/internal/webutil"

	"github.com/go-playground/validator/v10"
)

type SyncHandler struct {
	engine       service.SyncEngine
	connectivity service.ConnectivityMonitor
	logger       *slog.Logger
}

func NewSyncHandler(engine service.SyncEngine, connectivity service.ConnectivityMonitor, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{
		engine:       engine,
		connectivity: connectivity,
		logger:       logger,
	}
}

// GetSyncStatus は同期キューの状態を取得するためのハンドラ
func (h *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "GetSyncStatus"))

	status, err := h.engine.Status(r.Context())
	if err != nil {
		logger.Error("Error getting sync status in service", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	webutil.RespondWithJSON(w, http.StatusOK, status)
}

// PostSyncDrain は即時ドレインを同期的に実行するためのハンドラ (デバッグ・管理用)
func (h *SyncHandler) PostSyncDrain(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "PostSyncDrain"))

	if err := h.engine.Drain(r.Context()); err != nil {
		logger.Warn("Manual drain failed", slog.Any("error", err))
		appErr := model.NewAppError("SYNC_FAILED", "同期に失敗しました。時間をおいて再試行されます。", "", model.ErrInternalServer)
		webutil.HandleError(w, logger, appErr)
		return
	}

	status, err := h.engine.Status(r.Context())
	if err != nil {
		logger.Error("Error getting sync status after drain", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Manual drain completed", slog.Int64("remaining", status.QueueSize))
	webutil.RespondWithJSON(w, http.StatusOK, status)
}

// PutConnectivity はクライアントが観測した接続状態を反映するためのハンドラ。
// ブラウザの online/offline イベント相当の明示的な通知口。
func (h *SyncHandler) PutConnectivity(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "PutConnectivity"))

	var req model.ConnectivityRequest
	if err := webutil.DecodeJSONBody(r, &req); err != nil {
		logger.Warn("Failed to decode request body", slog.String("error", err.Error()))
		appErr := model.NewAppError("INVALID_REQUEST_BODY", "リクエストボディの形式が正しくありません。", "", model.ErrInvalidInput)
		webutil.HandleError(w, logger, appErr)
		return
	}

	if err := webutil.Validator.Struct(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			logger.Warn("Validation failed", slog.Any("errors", validationErrors.Error()))
			webutil.HandleError(w, logger, webutil.NewValidationErrorResponse(validationErrors))
		} else {
			logger.Error("Unexpected error during validation", slog.Any("error", err))
			webutil.HandleError(w, logger, err)
		}
		return
	}

	h.connectivity.SetOnline(*req.Online)
	logger.Info("Connectivity state updated", slog.Bool("online", *req.Online))
	w.WriteHeader(http.StatusNoContent)
}
