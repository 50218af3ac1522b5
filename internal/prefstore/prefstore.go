// Package prefstore 本地偏好缓存 (SQLite KV, 值为 JSON)。
//
// 引擎自身无持久化; 这里只存小块客户端偏好,
// 比如最近聚焦的线程 id, 让重启后能回到原位。
package prefstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/errors"
)

// KeyLastFocusedThread 最近聚焦线程 id 的偏好键。
const KeyLastFocusedThread = "last_focused_thread"

const schema = `
CREATE TABLE IF NOT EXISTS preferences (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// Store SQLite 偏好存储。
type Store struct {
	db *sql.DB
}

// Open 打开 (必要时创建) 偏好数据库。
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Wrap(err, "prefstore.Open", "create db dir")
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(err, "prefstore.Open", "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(err, "prefstore.Open", "apply schema")
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库。
func (s *Store) Close() error {
	return s.db.Close()
}

// Get 按键读取偏好, 不存在时返回 nil。
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&raw)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "Store.Get", "query preference")
	}
	var result any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, apperrors.Wrap(err, "Store.Get", "unmarshal preference")
	}
	return result, nil
}

// GetString 读取字符串偏好, 不存在或类型不符时返回空串。
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	text, _ := value.(string)
	return text, nil
}

// Set 写入偏好, 值序列化为 JSON。
func (s *Store) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(err, "Store.Set", "marshal preference")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, string(data))
	if err != nil {
		return apperrors.Wrap(err, "Store.Set", "upsert preference")
	}
	return nil
}

// Delete 删除偏好, 键不存在不算错误。
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM preferences WHERE key = ?", key); err != nil {
		return apperrors.Wrap(err, "Store.Delete", "delete preference")
	}
	return nil
}

// GetAll 读取全部偏好。
func (s *Store) GetAll(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM preferences")
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.GetAll", "query preferences")
	}
	defer rows.Close()

	result := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, apperrors.Wrap(err, "Store.GetAll", "scan preference")
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// 个别损坏条目跳过, 不拖垮整体读取。
			continue
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "Store.GetAll", "iterate preferences")
	}
	return result, nil
}
