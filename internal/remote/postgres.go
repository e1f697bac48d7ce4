// internal/remote/postgres.go
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go_sarathi_progress/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// remoteDocument はドキュメントストアの1行です
type remoteDocument struct {
	Collection string    `gorm:"primaryKey;size:128"`
	DocID      string    `gorm:"primaryKey;size:128"`
	Fields     []byte    `gorm:"type:jsonb;not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (remoteDocument) TableName() string {
	return "remote_documents"
}

// postgresStore は Store のPostgres実装です。
// バッチはトランザクションで適用され、all-or-nothing が保証されます。
type postgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgresStore はリモートドキュメントストアへの接続を確立します
func NewPostgresStore(databaseURL string, appLogger *slog.Logger) (Store, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		appLogger.Error("Failed to connect to remote document store", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", model.ErrRemoteUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRemoteUnavailable, err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&remoteDocument{}); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRemoteUnavailable, err)
	}

	appLogger.Info("Remote document store connection established")
	return &postgresStore{db: db, logger: appLogger}, nil
}

func (s *postgresStore) Get(ctx context.Context, collection, docID string) (Fields, error) {
	var doc remoteDocument
	result := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, docID).
		First(&doc)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", model.ErrRemoteUnavailable, result.Error)
	}

	var fields Fields
	if err := json.Unmarshal(doc.Fields, &fields); err != nil {
		// 格納済みドキュメントが壊れている場合は恒久エラー扱い
		return nil, fmt.Errorf("%w: corrupt document %s/%s: %v", model.ErrRemoteRejected, collection, docID, err)
	}
	return fields, nil
}

func (s *postgresStore) Set(ctx context.Context, collection, docID string, fields Fields, merge bool) error {
	return s.applySet(ctx, s.db, SetOperation{Collection: collection, DocID: docID, Fields: fields, Merge: merge})
}

func (s *postgresStore) BatchWrite(ctx context.Context, ops []SetOperation) error {
	if len(ops) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			if err := s.applySet(ctx, tx, op); err != nil {
				return err // ロールバックされ、バッチ全体が失敗する
			}
		}
		return nil
	})
}

func (s *postgresStore) applySet(ctx context.Context, tx *gorm.DB, op SetOperation) error {
	if op.Collection == "" || op.DocID == "" {
		return fmt.Errorf("%w: missing collection or doc id", model.ErrRemoteRejected)
	}

	fields := op.Fields
	if op.Merge {
		var existing remoteDocument
		result := tx.WithContext(ctx).
			Where("collection = ? AND doc_id = ?", op.Collection, op.DocID).
			First(&existing)
		if result.Error == nil {
			merged := Fields{}
			if err := json.Unmarshal(existing.Fields, &merged); err != nil {
				return fmt.Errorf("%w: corrupt document %s/%s: %v", model.ErrRemoteRejected, op.Collection, op.DocID, err)
			}
			for k, v := range op.Fields {
				merged[k] = v
			}
			fields = merged
		} else if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %v", model.ErrRemoteUnavailable, result.Error)
		}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: unserializable fields: %v", model.ErrRemoteRejected, err)
	}

	doc := remoteDocument{
		Collection: op.Collection,
		DocID:      op.DocID,
		Fields:     data,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Save(&doc).Error; err != nil {
		return fmt.Errorf("%w: %v", model.ErrRemoteUnavailable, err)
	}
	return nil
}

func (s *postgresStore) Query(ctx context.Context, collection string, limit int) ([]Document, error) {
	var rows []remoteDocument
	q := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRemoteUnavailable, err)
	}

	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		var fields Fields
		if err := json.Unmarshal(row.Fields, &fields); err != nil {
			s.logger.Warn("Skipping corrupt remote document", "collection", row.Collection, "doc_id", row.DocID)
			continue
		}
		docs = append(docs, Document{Collection: row.Collection, DocID: row.DocID, Fields: fields})
	}
	return docs, nil
}
