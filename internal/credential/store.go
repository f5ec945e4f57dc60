package credential

import (
	"context"
	"sync"

	xerrors "MCP-Flow/internal/errors"
)

// Store 抽象了按 (用户, 工具) 维度存取密钥的接口。
// 具体实现由外部系统提供，这里附带内存实现用于测试与单机部署。
type Store interface {
	// Lookup 返回指定用户在指定工具下保存的全部密钥。
	// 若用户从未保存过任何密钥，返回空 map 而非错误。
	Lookup(ctx context.Context, userID, toolName string) (map[string]string, error)
}

// Writer 是可写的凭证存储，供管理接口与测试使用。
type Writer interface {
	Put(ctx context.Context, userID, toolName string, secrets map[string]string) error
	Delete(ctx context.Context, userID, toolName string) error
}

type memoryKey struct {
	userID   string
	toolName string
}

// MemoryStore 以内存方式保存密钥，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[memoryKey]map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[memoryKey]map[string]string)}
}

// Lookup 实现 Store 接口。
func (m *MemoryStore) Lookup(_ context.Context, userID, toolName string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.secrets[memoryKey{userID: userID, toolName: toolName}]
	if !ok {
		return map[string]string{}, nil
	}
	clone := make(map[string]string, len(stored))
	for k, v := range stored {
		clone[k] = v
	}
	return clone, nil
}

// Put 实现 Writer 接口。
func (m *MemoryStore) Put(_ context.Context, userID, toolName string, secrets map[string]string) error {
	if userID == "" || toolName == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户与工具名称不能为空")
	}
	clone := make(map[string]string, len(secrets))
	for k, v := range secrets {
		clone[k] = v
	}
	m.mu.Lock()
	m.secrets[memoryKey{userID: userID, toolName: toolName}] = clone
	m.mu.Unlock()
	return nil
}

// Delete 实现 Writer 接口。
func (m *MemoryStore) Delete(_ context.Context, userID, toolName string) error {
	m.mu.Lock()
	delete(m.secrets, memoryKey{userID: userID, toolName: toolName})
	m.mu.Unlock()
	return nil
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Writer = (*MemoryStore)(nil)
)
