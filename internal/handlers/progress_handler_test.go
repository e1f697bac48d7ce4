package handlers_test // テスト対象とは別のパッケージ名

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go_sarathi_progress/internal/handlers"
	"go_sarathi_progress/internal/model"

	svc_mocks "go_sarathi_progress/internal/service/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- ヘルパー: モックハンドラーのセットアップ ---
func setupTestProgressHandler(mockService *svc_mocks.RecorderService) *handlers.ProgressHandler {
	testLogger := slog.New(slog.NewTextHandler(io.Discard, nil)) // ログ出力を抑制
	return handlers.NewProgressHandler(mockService, testLogger)
}

// --- ヘルパー: JSONボディの作成 ---
func newJsonRequest(t *testing.T, method string, target string, body interface{}) *http.Request {
	var reqBody io.Reader
	if body != nil {
		if bodyStr, ok := body.(string); ok {
			reqBody = strings.NewReader(bodyStr)
		} else {
			jsonData, err := json.Marshal(body)
			require.NoError(t, err)
			reqBody = bytes.NewBuffer(jsonData)
		}
	}
	req, err := http.NewRequest(method, target, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestProgressHandler_PostProgress(t *testing.T) {
	testStudentID := uuid.New()
	ctxWithStudent := context.WithValue(context.Background(), model.StudentIDKey, testStudentID)

	score := 85
	validReq := model.RecordProgressRequest{
		MissionID:        "water-cycle",
		Phase:            "play",
		Score:            &score,
		TimeSpentSeconds: 120,
	}
	recordedResponse := &model.RecordProgressResponse{
		Record: &model.ProgressRecord{
			RecordID:   uuid.New(),
			StudentID:  testStudentID,
			MissionID:  "water-cycle",
			Phase:      model.PhasePlay,
			Score:      &score,
			SyncStatus: model.SyncPending,
		},
		NewAchievements: []string{model.AchFirstGame},
	}

	tests := []struct {
		name           string
		setupContext   func() context.Context
		body           interface{}
		setupMock      func(m *svc_mocks.RecorderService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:         "正常系: 進捗を記録できる",
			setupContext: func() context.Context { return ctxWithStudent },
			body:         validReq,
			setupMock: func(m *svc_mocks.RecorderService) {
				m.On("RecordProgress", mock.Anything, testStudentID, mock.AnythingOfType("*model.RecordProgressRequest")).
					Return(recordedResponse, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			expectedBody:   `"new_achievements":["firstGame"]`,
		},
		{
			name:           "異常系: 認証情報なし",
			setupContext:   context.Background,
			body:           validReq,
			setupMock:      func(m *svc_mocks.RecorderService) {},
			expectedStatus: http.StatusForbidden,
			expectedBody:   `"code":"UNAUTHORIZED"`,
		},
		{
			name:           "異常系: 不正なJSONボディ",
			setupContext:   func() context.Context { return ctxWithStudent },
			body:           `{invalid`,
			setupMock:      func(m *svc_mocks.RecorderService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `"code":"INVALID_REQUEST_BODY"`,
		},
		{
			name:         "異常系: バリデーション失敗 (phaseが不正)",
			setupContext: func() context.Context { return ctxWithStudent },
			body: model.RecordProgressRequest{
				MissionID: "water-cycle",
				Phase:     "bonus",
			},
			setupMock:      func(m *svc_mocks.RecorderService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `"code":"VALIDATION_ERROR"`,
		},
		{
			name:         "異常系: バリデーション失敗 (scoreが範囲外)",
			setupContext: func() context.Context { return ctxWithStudent },
			body: map[string]interface{}{
				"mission_id": "water-cycle",
				"phase":      "play",
				"score":      150,
			},
			setupMock:      func(m *svc_mocks.RecorderService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `"code":"VALIDATION_ERROR"`,
		},
		{
			name:         "異常系: ローカル保存に失敗 → 503",
			setupContext: func() context.Context { return ctxWithStudent },
			body:         validReq,
			setupMock: func(m *svc_mocks.RecorderService) {
				appErr := model.NewAppError("STORAGE_UNAVAILABLE", "進捗を保存できませんでした。", "", model.ErrStorageUnavailable)
				m.On("RecordProgress", mock.Anything, testStudentID, mock.AnythingOfType("*model.RecordProgressRequest")).
					Return(nil, appErr).Once()
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   `"code":"STORAGE_UNAVAILABLE"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(svc_mocks.RecorderService)
			tt.setupMock(mockService)
			handler := setupTestProgressHandler(mockService)

			req := newJsonRequest(t, http.MethodPost, "/api/v1/progress", tt.body)
			req = req.WithContext(tt.setupContext())
			rec := httptest.NewRecorder()

			handler.PostProgress(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}

func TestProgressHandler_GetProgress(t *testing.T) {
	testStudentID := uuid.New()
	ctxWithStudent := context.WithValue(context.Background(), model.StudentIDKey, testStudentID)

	tests := []struct {
		name           string
		setupMock      func(m *svc_mocks.RecorderService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "正常系: 複数件取得",
			setupMock: func(m *svc_mocks.RecorderService) {
				m.On("ListProgress", mock.Anything, testStudentID).Return([]*model.ProgressRecord{
					{RecordID: uuid.New(), StudentID: testStudentID, MissionID: "water-cycle", Phase: model.PhasePlay},
				}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"mission_id":"water-cycle"`,
		},
		{
			name: "正常系: サービスがnilを返しても空配列",
			setupMock: func(m *svc_mocks.RecorderService) {
				m.On("ListProgress", mock.Anything, testStudentID).Return(nil, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `[]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(svc_mocks.RecorderService)
			tt.setupMock(mockService)
			handler := setupTestProgressHandler(mockService)

			req := newJsonRequest(t, http.MethodGet, "/api/v1/progress", nil)
			req = req.WithContext(ctxWithStudent)
			rec := httptest.NewRecorder()

			handler.GetProgress(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}

func TestProgressHandler_PostReset(t *testing.T) {
	testStudentID := uuid.New()
	ctxWithStudent := context.WithValue(context.Background(), model.StudentIDKey, testStudentID)

	mockService := new(svc_mocks.RecorderService)
	mockService.On("ResetProgress", mock.Anything, testStudentID).Return(nil).Once()
	handler := setupTestProgressHandler(mockService)

	req := newJsonRequest(t, http.MethodPost, "/api/v1/progress/reset", nil)
	req = req.WithContext(ctxWithStudent)
	rec := httptest.NewRecorder()

	handler.PostReset(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	mockService.AssertExpectations(t)
}
