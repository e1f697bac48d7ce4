// internal/middleware/dev_auth.go
package middleware

import (
	"context"
	"net/http"

	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/webutil"

	"github.com/google/uuid"
)

// DevStudentContextMiddleware は開発時用ミドルウェアです。
// X-Student-ID ヘッダーからUUIDを抽出し、トークン検証なしでコンテキストに設定します。
func DevStudentContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := GetLogger(r.Context())

		studentIDStr := r.Header.Get("X-Student-ID")
		if studentIDStr == "" {
			logger.Warn("Dev auth failed: X-Student-ID header missing")
			appErr := model.NewAppError("UNAUTHORIZED", "X-Student-IDヘッダーが必要です。", "", model.ErrForbidden)
			webutil.HandleError(w, logger, appErr)
			return
		}

		studentID, err := uuid.Parse(studentIDStr)
		if err != nil {
			logger.Warn("Dev auth failed: Invalid X-Student-ID format", "value", studentIDStr)
			appErr := model.NewAppError("UNAUTHORIZED", "X-Student-IDの形式が正しくありません。", "", model.ErrForbidden)
			webutil.HandleError(w, logger, appErr)
			return
		}

		ctx := context.WithValue(r.Context(), model.StudentIDKey, studentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
