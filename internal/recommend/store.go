// ============================================================================
// Talent-Match 推薦產物存儲 - 原子發布與版本檢查
// ============================================================================
//
// Package: internal/recommend
// 文件: store.go
// 功能: 將各層推薦產物（ANN 圖、稀疏 k-NN、稠密相似矩陣）寫入檔案並載入
//
// 原子性寫入流程:
//   1. 在同一目錄建立臨時檔案 <name>.*.tmp
//   2. 寫入 JSON 並 fsync
//   3. os.Rename 取代正式檔案（同一檔案系統內為原子操作）
//   讀取端永遠只會看到舊檔案或完整的新檔案
//
// ============================================================================

package recommend

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion 目前產物格式版本
const SchemaVersion = 1

// 各層產物的固定檔名
const (
	ANNFile    = "ann_index.json"
	SparseFile = "sparse_knn.json"
	DenseFile  = "dense_sim.json"
)

var (
	// ErrArtifactNotFound 產物檔案不存在
	ErrArtifactNotFound = errors.New("recommendation artifact not found")
	// ErrCorruptedArtifact 產物內容無法解析或結構不一致
	ErrCorruptedArtifact = errors.New("recommendation artifact is corrupted")
	// ErrIncompatibleVersion 產物版本不相容
	ErrIncompatibleVersion = errors.New("recommendation artifact schema version is incompatible")
)

// Store 產物目錄
type Store struct {
	dir string
	mu  sync.Mutex // 序列化同一進程內的發布
}

// NewStore 建立指向 dir 的產物存儲
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir 產物目錄
func (s *Store) Dir() string { return s.dir }

// Path 回傳產物的完整路徑
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Exists 產物是否存在
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Publish 原子性寫入產物，並補上版本號與建立時間
func (s *Store) Publish(name string, artifact versioned) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := artifact.header()
	h.SchemaVer = SchemaVersion
	if h.BuiltAt.IsZero() {
		h.BuiltAt = time.Now().UTC()
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()

	// 任一步驟失敗都清理臨時檔案
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := json.NewEncoder(tmp).Encode(artifact); err != nil {
		return fail(fmt.Errorf("failed to encode artifact %s: %w", name, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync artifact %s: %w", name, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close artifact %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, s.Path(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename artifact %s: %w", name, err)
	}
	return nil
}

// Load 讀取產物並檢查版本
func (s *Store) Load(name string, artifact versioned) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
		}
		return fmt.Errorf("failed to read artifact %s: %w", name, err)
	}

	if err := json.Unmarshal(data, artifact); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptedArtifact, name, err)
	}

	if v := artifact.header().SchemaVer; v != SchemaVersion {
		return fmt.Errorf("%w: %s: got %d, want %d", ErrIncompatibleVersion, name, v, SchemaVersion)
	}
	return nil
}

// Remove 刪除產物（不存在時不視為錯誤）
func (s *Store) Remove(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
