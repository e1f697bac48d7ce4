package webutil

import (
	"encoding/json"
	"net/http"

	"go_sarathi_progress/internal/model"
)

// DecodeJSONBody はリクエストボディをデコードします。
// 未知フィールドはクライアント側のバグ検出のため拒否します。
func DecodeJSONBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return model.ErrInvalidInput
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return model.ErrInvalidInput
	}
	return nil
}
