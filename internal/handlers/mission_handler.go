// internal/handlers/mission_handler.go
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"go_sarathi_progress/internal/middleware"
	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/service"
	"go_sarathi_progress/internal/webutil"

	"github.com/go-chi/chi/v5"
)

type MissionHandler struct {
	missions service.MissionService
	recorder service.RecorderService
	logger   *slog.Logger
}

func NewMissionHandler(missions service.MissionService, recorder service.RecorderService, logger *slog.Logger) *MissionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MissionHandler{
		missions: missions,
		recorder: recorder,
		logger:   logger,
	}
}

// GetMissions はミッション一覧を解錠状態・達成状況つきで取得するためのハンドラ
func (h *MissionHandler) GetMissions(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "GetMissions"))

	studentID, err := middleware.GetStudentIDFromContext(r.Context())
	if err != nil {
		logger.Warn("Unauthorized access attempt", slog.String("error", err.Error()))
		appErr := model.NewAppError("UNAUTHORIZED", "認証情報が見つかりません。", "", model.ErrForbidden)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("student_id", studentID.String()))

	statuses, err := h.missions.ListStatuses(r.Context(), studentID)
	if err != nil {
		logger.Error("Error listing mission statuses in service", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Mission statuses listed successfully", slog.Int("count", len(statuses)))
	webutil.RespondWithJSON(w, http.StatusOK, statuses)
}

// GetMissionAggregate は特定ミッションの達成状況を取得するためのハンドラ
func (h *MissionHandler) GetMissionAggregate(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "GetMissionAggregate"))

	studentID, err := middleware.GetStudentIDFromContext(r.Context())
	if err != nil {
		logger.Warn("Unauthorized access attempt", slog.String("error", err.Error()))
		appErr := model.NewAppError("UNAUTHORIZED", "認証情報が見つかりません。", "", model.ErrForbidden)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("student_id", studentID.String()))

	missionID := chi.URLParam(r, "mission_id")
	if missionID == "" {
		appErr := model.NewAppError("INVALID_URL_PARAM", "mission_idが指定されていません。", "mission_id", model.ErrInvalidInput)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("mission_id", missionID))

	aggregate, err := h.missions.Aggregate(r.Context(), studentID, missionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			logger.Info("Mission not found", slog.Any("error", err))
		} else {
			logger.Error("Error aggregating mission progress in service", slog.Any("error", err))
		}
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Mission aggregate retrieved successfully")
	webutil.RespondWithJSON(w, http.StatusOK, aggregate)
}

// PostMissionAccess はミッションへのアクセスを記録するためのハンドラ (lastAccessed 更新用)
func (h *MissionHandler) PostMissionAccess(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "PostMissionAccess"))

	studentID, err := middleware.GetStudentIDFromContext(r.Context())
	if err != nil {
		logger.Warn("Unauthorized access attempt", slog.String("error", err.Error()))
		appErr := model.NewAppError("UNAUTHORIZED", "認証情報が見つかりません。", "", model.ErrForbidden)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("student_id", studentID.String()))

	missionID := chi.URLParam(r, "mission_id")
	if missionID == "" {
		appErr := model.NewAppError("INVALID_URL_PARAM", "mission_idが指定されていません。", "mission_id", model.ErrInvalidInput)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("mission_id", missionID))

	if err := h.recorder.RecordAccess(r.Context(), studentID, missionID); err != nil {
		logger.Error("Error recording mission access in service", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Mission access recorded successfully")
	w.WriteHeader(http.StatusNoContent)
}
