// internal/remote/store.go
package remote

import (
	"context"
	"encoding/json"
)

// Fields はドキュメントのフィールド集合です。
// キーは "missions.<missionId>.<phase>" のようなドット区切りのフィールドパス。
type Fields map[string]json.RawMessage

// Document はクエリ結果の1件です
type Document struct {
	Collection string
	DocID      string
	Fields     Fields
}

// SetOperation はバッチ書き込みに含める1ドキュメント分の更新です
type SetOperation struct {
	Collection string
	DocID      string
	Fields     Fields
	// Merge が true なら既存フィールドに重ね書き、false ならドキュメント全体を置換
	Merge bool
}

// Store はリモートドキュメントストアの契約です。
// BatchWrite は all-or-nothing、Get/Set はドキュメント単位で線形化可能であることを前提とします。
// 一時的な失敗は model.ErrRemoteUnavailable を、恒久的な拒否は model.ErrRemoteRejected を
// ラップしたエラーで返します。
type Store interface {
	Get(ctx context.Context, collection, docID string) (Fields, error)
	Set(ctx context.Context, collection, docID string, fields Fields, merge bool) error
	BatchWrite(ctx context.Context, ops []SetOperation) error
	Query(ctx context.Context, collection string, limit int) ([]Document, error)
}
