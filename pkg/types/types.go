// Package types 定義了 genqueue 系統中使用的核心領域模型
package types

import (
	"strings"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending        JobStatus = "pending"         // 待處理：尚未分派給任何 worker
	StatusProcessing     JobStatus = "processing"      // 執行中：已分派，等待結果
	StatusCompleted      JobStatus = "completed"       // 完成：結果已落盤（或因已存在而略過）
	StatusDownloadFailed JobStatus = "download_failed" // 結果寫入失敗
	StatusFailed         JobStatus = "failed"          // worker 回報錯誤
	StatusTimedOut       JobStatus = "timed_out"       // 超時，不會自動重試
)

// Terminal 回報狀態是否為終態
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDownloadFailed, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// JobType 任務類型，字串值與瀏覽器擴充套件的協議一致
type JobType string

const (
	TypeCreateImage        JobType = "Create Image"
	TypeTextToVideo        JobType = "Text to Video"
	TypeFramesToVideo      JobType = "Frames to Video"
	TypeIngredientsToVideo JobType = "Ingredients to Video"
)

// 輸出副檔名
const (
	ExtVideo = ".mp4"
	ExtImage = ".png"
)

// IsVideo 影片類任務
func (t JobType) IsVideo() bool {
	return strings.Contains(string(t), "Video")
}

// TextOnly 純文字任務不帶參考圖
func (t JobType) TextOnly() bool {
	return t == TypeTextToVideo
}

// FileExt 依任務類型推導輸出副檔名
func (t JobType) FileExt() string {
	if t.IsVideo() {
		return ExtVideo
	}
	return ExtImage
}

// MaxReferenceImages 每種任務類型可攜帶的參考圖上限
func (t JobType) MaxReferenceImages() int {
	switch t {
	case TypeCreateImage:
		return 8
	case TypeFramesToVideo:
		return 2
	case TypeIngredientsToVideo:
		return 3
	}
	return 0
}

// DefaultResolution 影片預設 1080p，圖片預設 4K
func (t JobType) DefaultResolution() string {
	if t.IsVideo() {
		return "1080p"
	}
	return "4K"
}

// Valid 是否為已知任務類型
func (t JobType) Valid() bool {
	switch t {
	case TypeCreateImage, TypeTextToVideo, TypeFramesToVideo, TypeIngredientsToVideo:
		return true
	}
	return false
}

// ReferenceImage 參考圖：已編碼資料，或尚待分派時才編碼的檔案路徑
type ReferenceImage struct {
	Data string `json:"data,omitempty" yaml:"data,omitempty"` // base64 編碼內容
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // 待編碼的本機路徑
}

// Pending 是否仍為檔案路徑
func (r ReferenceImage) Pending() bool {
	return r.Data == "" && r.Path != ""
}

// JobSpec 任務產生者提供的輸入
type JobSpec struct {
	Prompt          string           `json:"prompt" yaml:"prompt"`
	Type            JobType          `json:"type" yaml:"type"`
	AspectRatio     string           `json:"aspect_ratio" yaml:"aspect_ratio"`
	Resolution      string           `json:"resolution" yaml:"resolution"`
	ReferenceImages []ReferenceImage `json:"reference_images,omitempty" yaml:"reference_images,omitempty"`
	OutputDir       string           `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	RowTag          string           `json:"row_tag,omitempty" yaml:"row_tag,omitempty"`
}

// Job 任務結構，代表系統中的一個工作單元
type Job struct {
	// 識別與輸入
	ID              JobID            `json:"id"`
	Index           int              `json:"index"`
	Prompt          string           `json:"prompt"`
	Type            JobType          `json:"type"`
	AspectRatio     string           `json:"aspect_ratio"`
	Resolution      string           `json:"resolution"`
	ReferenceImages []ReferenceImage `json:"reference_images,omitempty"`
	OutputDir       string           `json:"output_dir,omitempty"`
	RowTag          string           `json:"row_tag,omitempty"`
	FileExt         string           `json:"file_ext"`

	// 狀態追蹤
	Status       JobStatus `json:"status"`
	StatusDetail string    `json:"status_detail,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"` // 僅在 Processing 時設定

	// 結果
	SavedPath string `json:"saved_path,omitempty"`
	SavedDir  string `json:"saved_dir,omitempty"`
	ResultURL string `json:"result_url,omitempty"`

	// 時間
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Clone 深拷貝，供 loop 以外的讀取者使用
func (j *Job) Clone() *Job {
	c := *j
	if j.ReferenceImages != nil {
		c.ReferenceImages = append([]ReferenceImage(nil), j.ReferenceImages...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// View 對外顯示用的副本，參考圖不帶編碼內容
func (j *Job) View() *Job {
	c := j.Clone()
	for i := range c.ReferenceImages {
		c.ReferenceImages[i].Data = ""
	}
	return c
}

// SnapshotData 快照資料，供 status 指令離線讀取與重啟時恢復
type SnapshotData struct {
	Jobs      []*Job    `json:"jobs"`
	SchemaVer int       `json:"schema_ver"`
	TakenAt   time.Time `json:"taken_at"`
}
