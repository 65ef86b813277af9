// ============================================================================
// genqueue 批次匯入 - 任務檔 → JobSpec
// ============================================================================
//
// Package: internal/importer
// 文件: importer.go
// 功能: 解析 YAML/JSON 任務檔，套用預設值，產生可直接提交的 JobSpec
//
// 任務檔格式:
//   output_dir: batch1        # 選填，所有任務的預設輸出目錄
//   row_tags: true            # 選填，預設 true：以列號作為 row tag
//   jobs:
//     - prompt: "a red fox"
//       type: Create Image    # 亦接受 图片 / 文生视频 / 首尾帧视频 / 多图视频
//       orientation: 竖屏      # 或 aspect_ratio: 9:16
//       resolution: 4K
//       images: [refs/a.png]
//
// 規則:
//   - prompt 空白的列略過
//   - 類型預設 Create Image，比例預設 16:9，解析度預設 影片 1080p / 圖片 4K
//   - 參考圖依類型上限截斷；不存在的路徑略過並記錄警告
//   - 相對圖片路徑以任務檔所在目錄為基準
//
// ============================================================================

package importer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/genqueue/pkg/types"
)

// DefaultAspectRatio 未指定比例時使用
const DefaultAspectRatio = "16:9"

// ErrNoJobs 任務檔沒有任何可用任務
var ErrNoJobs = errors.New("importer: no jobs in file")

var typeAliases = map[string]types.JobType{
	"图片":    types.TypeCreateImage,
	"文生视频":  types.TypeTextToVideo,
	"首尾帧视频": types.TypeFramesToVideo,
	"多图视频":  types.TypeIngredientsToVideo,

	"image":       types.TypeCreateImage,
	"text":        types.TypeTextToVideo,
	"frames":      types.TypeFramesToVideo,
	"ingredients": types.TypeIngredientsToVideo,
}

var orientationAliases = map[string]string{
	"横屏": "16:9",
	"竖屏": "9:16",

	"landscape": "16:9",
	"portrait":  "9:16",
}

// File 任務檔結構
type File struct {
	OutputDir string `yaml:"output_dir"`
	RowTags   *bool  `yaml:"row_tags"`
	Jobs      []Row  `yaml:"jobs"`
}

// Row 任務檔中的一列
type Row struct {
	Prompt      string   `yaml:"prompt"`
	Type        string   `yaml:"type"`
	Orientation string   `yaml:"orientation"`
	AspectRatio string   `yaml:"aspect_ratio"`
	Resolution  string   `yaml:"resolution"`
	OutputDir   string   `yaml:"output_dir"`
	Tag         string   `yaml:"tag"`
	Images      []string `yaml:"images"`
}

// Batch 匯入結果
type Batch struct {
	Specs    []types.JobSpec
	Warnings []string
}

// Load 讀取並解析任務檔
func Load(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("importer: read %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse 解析任務檔內容；baseDir 用於解析相對圖片路徑
func Parse(data []byte, baseDir string) (*Batch, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("importer: parse: %w", err)
	}

	tagRows := file.RowTags == nil || *file.RowTags
	batch := &Batch{}
	for i, row := range file.Jobs {
		rowNum := i + 1
		spec, warnings, ok := row.Spec(baseDir)
		for _, w := range warnings {
			batch.Warnings = append(batch.Warnings, fmt.Sprintf("row %d: %s", rowNum, w))
		}
		if !ok {
			continue
		}
		if spec.OutputDir == "" {
			spec.OutputDir = strings.TrimSpace(file.OutputDir)
		}
		if spec.RowTag == "" && tagRows {
			spec.RowTag = strconv.Itoa(rowNum)
		}
		batch.Specs = append(batch.Specs, spec)
	}

	if len(batch.Specs) == 0 {
		return batch, ErrNoJobs
	}
	return batch, nil
}

// Spec 套用預設值並轉成 JobSpec；prompt 空白時 ok 為 false
func (r Row) Spec(baseDir string) (types.JobSpec, []string, bool) {
	var warnings []string

	prompt := strings.TrimSpace(r.Prompt)
	if prompt == "" {
		return types.JobSpec{}, nil, false
	}

	jobType, ok := ParseType(r.Type)
	if !ok {
		warnings = append(warnings, fmt.Sprintf("unknown type %q, using %s", r.Type, types.TypeCreateImage))
	}

	ratio := strings.TrimSpace(r.AspectRatio)
	if ratio == "" {
		ratio = ParseOrientation(r.Orientation)
	}

	resolution := strings.TrimSpace(r.Resolution)
	if resolution == "" {
		resolution = jobType.DefaultResolution()
	}

	var refs []types.ReferenceImage
	limit := jobType.MaxReferenceImages()
	for _, img := range r.Images {
		img = strings.TrimSpace(img)
		if img == "" {
			continue
		}
		if len(refs) == limit {
			warnings = append(warnings, fmt.Sprintf("%s accepts at most %d images, extra images ignored", jobType, limit))
			break
		}
		if !filepath.IsAbs(img) && baseDir != "" {
			img = filepath.Join(baseDir, img)
		}
		if _, err := os.Stat(img); err != nil {
			warnings = append(warnings, fmt.Sprintf("image %s skipped: %v", img, err))
			continue
		}
		refs = append(refs, types.ReferenceImage{Path: img})
	}

	return types.JobSpec{
		Prompt:          prompt,
		Type:            jobType,
		AspectRatio:     ratio,
		Resolution:      resolution,
		ReferenceImages: refs,
		OutputDir:       strings.TrimSpace(r.OutputDir),
		RowTag:          strings.TrimSpace(r.Tag),
	}, warnings, true
}

// ParseType 解析任務類型；空字串回傳預設類型，無法辨識時回傳預設類型與 false
func ParseType(s string) (types.JobType, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.TypeCreateImage, true
	}
	if t := types.JobType(s); t.Valid() {
		return t, true
	}
	if t, ok := typeAliases[strings.ToLower(s)]; ok {
		return t, true
	}
	return types.TypeCreateImage, false
}

// ParseOrientation 將方向別名轉成比例，無法辨識時回傳 DefaultAspectRatio
func ParseOrientation(s string) string {
	s = strings.TrimSpace(s)
	if ratio, ok := orientationAliases[strings.ToLower(s)]; ok {
		return ratio
	}
	if strings.Contains(s, ":") {
		return s
	}
	return DefaultAspectRatio
}
