// internal/remote/memory.go
package remote

import (
	"context"
	"fmt"
	"sync"

	"go_sarathi_progress/internal/model"
)

// MemoryStore は Store のインメモリ実装です。
// テストおよびリモート未設定時のスタンドアロン起動に使います。
// NextErr で次の書き込みを失敗させ、ネットワーク障害や恒久拒否を再現できます。
type MemoryStore struct {
	mu         sync.Mutex
	docs       map[string]Fields // key: collection + "/" + docID
	NextErr    error             // 次の Set/BatchWrite をこのエラーで失敗させる (一度だけ)
	persistErr error             // すべての操作をこのエラーで失敗させる
	BatchCalls int               // BatchWrite が呼ばれた回数 (テスト検証用)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Fields)}
}

// FailAlways は以後のすべての操作を err で失敗させます。nil で解除。
func (s *MemoryStore) FailAlways(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistErr = err
}

func (s *MemoryStore) key(collection, docID string) string {
	return collection + "/" + docID
}

func (s *MemoryStore) takeErr() error {
	if s.persistErr != nil {
		return s.persistErr
	}
	if s.NextErr != nil {
		err := s.NextErr
		s.NextErr = nil
		return err
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, docID string) (Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	doc, ok := s.docs[s.key(collection, docID)]
	if !ok {
		return nil, model.ErrNotFound
	}
	// 呼び出し側の変更が内部状態に及ばないようコピーを返す
	out := Fields{}
	for k, v := range doc {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, docID string, fields Fields, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	s.applyLocked(SetOperation{Collection: collection, DocID: docID, Fields: fields, Merge: merge})
	return nil
}

func (s *MemoryStore) BatchWrite(ctx context.Context, ops []SetOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchCalls++
	if err := s.takeErr(); err != nil {
		return err
	}
	for _, op := range ops {
		if op.Collection == "" || op.DocID == "" {
			// 不正な操作ではバッチ全体を適用しない (all-or-nothing)
			return fmt.Errorf("%w: missing collection or doc id", model.ErrRemoteRejected)
		}
	}
	for _, op := range ops {
		s.applyLocked(op)
	}
	return nil
}

func (s *MemoryStore) applyLocked(op SetOperation) {
	key := s.key(op.Collection, op.DocID)
	if !op.Merge {
		doc := Fields{}
		for k, v := range op.Fields {
			doc[k] = v
		}
		s.docs[key] = doc
		return
	}
	doc, ok := s.docs[key]
	if !ok {
		doc = Fields{}
		s.docs[key] = doc
	}
	for k, v := range op.Fields {
		doc[k] = v
	}
}

func (s *MemoryStore) Query(ctx context.Context, collection string, limit int) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	var docs []Document
	for key, fields := range s.docs {
		if len(key) > len(collection) && key[:len(collection)+1] == collection+"/" {
			out := Fields{}
			for k, v := range fields {
				out[k] = v
			}
			docs = append(docs, Document{Collection: collection, DocID: key[len(collection)+1:], Fields: out})
			if limit > 0 && len(docs) >= limit {
				break
			}
		}
	}
	return docs, nil
}

// DocCount はテスト検証用にドキュメント数を返します
func (s *MemoryStore) DocCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}
