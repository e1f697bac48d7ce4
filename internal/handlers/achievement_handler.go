// internal/handlers/achievement_handler.go
package handlers

import (
	"log/slog"
	"net/http"

	"go_sarathi_progress/internal/middleware"
	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/service"
	"go_sarathi_progress/internal/webutil"
)

type AchievementHandler struct {
	achievements service.AchievementService
	logger       *slog.Logger
}

func NewAchievementHandler(achievements service.AchievementService, logger *slog.Logger) *AchievementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AchievementHandler{
		achievements: achievements,
		logger:       logger,
	}
}

// GetAchievements は解除済み/未解除の実績一覧とXP進捗を取得するためのハンドラ
func (h *AchievementHandler) GetAchievements(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "GetAchievements"))

	studentID, err := middleware.GetStudentIDFromContext(r.Context())
	if err != nil {
		logger.Warn("Unauthorized access attempt", slog.String("error", err.Error()))
		appErr := model.NewAppError("UNAUTHORIZED", "認証情報が見つかりません。", "", model.ErrForbidden)
		webutil.HandleError(w, logger, appErr)
		return
	}
	logger = logger.With(slog.String("student_id", studentID.String()))

	overview, err := h.achievements.GetOverview(r.Context(), studentID)
	if err != nil {
		logger.Error("Error getting achievement overview in service", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Achievements retrieved successfully",
		slog.Int("unlocked", len(overview.Unlocked)), slog.Int("current_xp", overview.XP.CurrentXP))
	webutil.RespondWithJSON(w, http.StatusOK, overview)
}
