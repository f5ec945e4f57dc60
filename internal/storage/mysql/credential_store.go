package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"MCP-Flow/internal/credential"
)

// CredentialStore 使用 MySQL 保存用户提交的工具密钥。
// 密钥以密文列存放时由数据库层加密，这里只负责读写。
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore 建立连接池并执行未应用的迁移。
func NewCredentialStore(ctx context.Context, cfg Config) (*CredentialStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &CredentialStore{db: db}, nil
}

// NewCredentialStoreWithDB 复用已有连接池，避免同库重复建连。
func NewCredentialStoreWithDB(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Lookup 实现 credential.Store。用户没有记录时返回空集合而不是错误。
func (s *CredentialStore) Lookup(ctx context.Context, userID, toolName string) (map[string]string, error) {
	const query = `SELECT secret_key, secret_value FROM user_credentials WHERE user_id = ? AND tool = ?`
	rows, err := s.db.QueryContext(ctx, query, userID, toolName)
	if err != nil {
		return nil, fmt.Errorf("查询用户凭证失败: %w", err)
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("解析用户凭证失败: %w", err)
		}
		secrets[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用户凭证失败: %w", err)
	}
	return secrets, nil
}

// Put 实现 credential.Writer。
func (s *CredentialStore) Put(ctx context.Context, userID, toolName string, secrets map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启凭证事务失败: %w", err)
	}
	const stmt = `INSERT INTO user_credentials (user_id, tool, secret_key, secret_value, updated_at)
        VALUES (?, ?, ?, ?, UNIX_TIMESTAMP())
        ON DUPLICATE KEY UPDATE secret_value = VALUES(secret_value), updated_at = VALUES(updated_at)`
	for key, value := range secrets {
		if _, err := tx.ExecContext(ctx, stmt, userID, toolName, key, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("写入用户凭证失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交凭证事务失败: %w", err)
	}
	return nil
}

// Delete 实现 credential.Writer。
func (s *CredentialStore) Delete(ctx context.Context, userID, toolName string) error {
	const stmt = `DELETE FROM user_credentials WHERE user_id = ? AND tool = ?`
	if _, err := s.db.ExecContext(ctx, stmt, userID, toolName); err != nil {
		return fmt.Errorf("删除用户凭证失败: %w", err)
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *CredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ credential.Store = (*CredentialStore)(nil)
var _ credential.Writer = (*CredentialStore)(nil)
