// internal/handlers/progress_handler.go
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"go_sarathi_progress/internal/middleware"
	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/service"
	"go_sarathi_progress/internal/webutil"

	"github.com/go-playground/validator/v10"
)

type ProgressHandler struct {
	recorder service.RecorderService
	logger   *slog.Logger
}

func NewProgressHandler(recorder service.RecorderService, logger *slog.Logger) *ProgressHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressHandler{
		recorder: recorder,
		logger:   logger,
	}
}

// PostProgress はフェーズ完了を記録するためのハンドラ
func (h *ProgressHandler) PostProgress(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "PostProgress"))

	studentID, err := middleware.GetStudentIDFromContext(r.Context())
	if err != nil {
		logger.Warn("Unauthorized access attempt", slog.String("error", err.Error()))
		appErr := model.NewAppError("UNAUTHORIZED", "認証情報が見つかりません。", "", model.ErrForbidden)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("student_id", studentID.String()))

	var req model.RecordProgressRequest
	if err := webutil.DecodeJSONBody(r, &req); err != nil {
		logger.Warn("Failed to decode request body", slog.String("error", err.Error()))
		appErr := model.NewAppError("INVALID_REQUEST_BODY", "リクエストボディの形式が正しくありません。", "", model.ErrInvalidInput)
		webutil.HandleError(w, logger, appErr)
		return
	}

	if err := webutil.Validator.Struct(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			logger.Warn("Validation failed", slog.Any("errors", validationErrors.Error()), slog.Any("request", req))

			// 最初のエラーを代表としてクライアントに返す
			firstErr := validationErrors[0]
			appErr := model.NewAppError(
				"VALIDATION_ERROR",
				firstErr.Translate(webutil.Trans),
				firstErr.Field(),
				model.ErrInvalidInput,
			)
			webutil.HandleError(w, logger, appErr)
		} else {
			logger.Error("Unexpected error during validation", slog.Any("error", err))
			webutil.HandleError(w, logger, err)
		}
		return
	}

	resp, err := h.recorder.RecordProgress(r.Context(), studentID, &req)
	if err != nil {
		logger.Error("Error recording progress in service", slog.Any("error", err), slog.Any("request", req))
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Progress recorded successfully",
		slog.String("record_id", resp.Record.RecordID.String()),
		slog.Int("new_achievements", len(resp.NewAchievements)))
	webutil.RespondWithJSON(w, http.StatusCreated, resp)
}

// GetProgress は生徒のローカル進捗レコード一覧を取得するためのハンドラ
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "GetProgress"))

	studentID, err := middleware.GetStudentIDFromContext(r.Context())
	if err != nil {
		logger.Warn("Unauthorized access attempt", slog.String("error", err.Error()))
		appErr := model.NewAppError("UNAUTHORIZED", "認証情報が見つかりません。", "", model.ErrForbidden)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("student_id", studentID.String()))

	records, err := h.recorder.ListProgress(r.Context(), studentID)
	if err != nil {
		logger.Error("Error listing progress in service", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	if records == nil {
		records = []*model.ProgressRecord{}
	}
	logger.Info("Progress listed successfully", slog.Int("count", len(records)))
	webutil.RespondWithJSON(w, http.StatusOK, records)
}

// PostReset はローカルの進捗・実績・未送信キューを全消去するためのハンドラ
func (h *ProgressHandler) PostReset(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "PostReset"))

	studentID, err := middleware.GetStudentIDFromContext(r.Context())
	if err != nil {
		logger.Warn("Unauthorized access attempt", slog.String("error", err.Error()))
		appErr := model.NewAppError("UNAUTHORIZED", "認証情報が見つかりません。", "", model.ErrForbidden)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("student_id", studentID.String()))

	if err := h.recorder.ResetProgress(r.Context(), studentID); err != nil {
		logger.Error("Error resetting progress in service", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Progress reset successfully")
	w.WriteHeader(http.StatusNoContent)
}
