package snapshot

// ============================================================================
// 任務表快照
//
// 檔案格式（JSON）：
//   {"schema_ver": 1, "taken_at": "...", "jobs": [...]}
//
// 寫入：同目錄建立暫存檔 → 串流編碼 → fsync → rename，讀者只會看到完整的檔案
// 載入：檔案不存在視為首次啟動；空檔或截斷的 JSON 視為損壞
//
// 參考圖若有本機路徑，只記錄路徑；只有內嵌資料的參考圖才保留 base64 內容
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/genqueue/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager 讀寫單一快照檔；同一個 Manager 的讀寫互斥
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 以原子替換方式寫出快照
func (m *Manager) Write(data types.SnapshotData) error {
	record := types.SnapshotData{
		Jobs:      compact(data.Jobs),
		SchemaVer: SchemaVersion,
		TakenAt:   data.TakenAt,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if err := encode(tmp, record); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func encode(f *os.File, record types.SnapshotData) error {
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(record); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	return nil
}

// compact 複製任務；有路徑的參考圖去掉編碼內容，重新分派時會再讀檔
func compact(jobs []*types.Job) []*types.Job {
	out := make([]*types.Job, 0, len(jobs))
	for _, j := range jobs {
		if j == nil {
			continue
		}
		c := j.Clone()
		for i, ref := range c.ReferenceImages {
			if ref.Path != "" {
				c.ReferenceImages[i] = types.ReferenceImage{Path: ref.Path}
			}
		}
		out = append(out, c)
	}
	return out
}

// Load 讀取快照；檔案不存在時回傳空任務表
func (m *Manager) Load() (types.SnapshotData, error) {
	empty := types.SnapshotData{Jobs: []*types.Job{}, SchemaVer: SchemaVersion}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer f.Close()

	var data types.SnapshotData
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty file")
		}
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = []*types.Job{}
	}
	return data, nil
}
