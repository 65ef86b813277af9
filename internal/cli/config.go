package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/genqueue/internal/controller"
	"github.com/ChuLiYu/genqueue/internal/imageenc"
	"github.com/ChuLiYu/genqueue/internal/wire"
)

// 預設位址
const (
	DefaultControlAddr  = "localhost:12346"
	DefaultMetricsAddr  = ":9090"
	DefaultOutputDir    = "output"
	DefaultSnapshotPath = "state/snapshot.json"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		Listen           string        `yaml:"listen"`
		MaxMessageSize   int64         `yaml:"max_message_size"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	} `yaml:"server"`

	Dispatch struct {
		TaskTimeout   time.Duration `yaml:"task_timeout"`
		Cooldown      time.Duration `yaml:"cooldown"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		DispatchDelay time.Duration `yaml:"dispatch_delay"`
		SendTimeout   time.Duration `yaml:"send_timeout"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"dispatch"`

	Output struct {
		Dir          string `yaml:"dir"`
		MaxImageSize int64  `yaml:"max_image_size"`
	} `yaml:"output"`

	Control struct {
		Listen  string        `yaml:"listen"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"control"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// defaultConfig 沒有設定檔時使用
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Metrics.Enabled = true
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 補上未設定的欄位
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = wire.DefaultAddr
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = wire.DefaultWriteTimeout
	}
	if c.Server.HandshakeTimeout <= 0 {
		c.Server.HandshakeTimeout = wire.DefaultHandshakeTimeout
	}

	d := controller.DefaultConfig()
	setDuration(&c.Dispatch.TaskTimeout, d.TaskTimeout)
	setDuration(&c.Dispatch.Cooldown, d.Cooldown)
	setDuration(&c.Dispatch.PollInterval, d.PollInterval)
	setDuration(&c.Dispatch.DispatchDelay, d.DispatchDelay)
	setDuration(&c.Dispatch.SendTimeout, d.SendTimeout)
	setDuration(&c.Dispatch.SweepInterval, d.SweepInterval)

	if c.Output.Dir == "" {
		c.Output.Dir = DefaultOutputDir
	}
	if c.Output.MaxImageSize <= 0 {
		c.Output.MaxImageSize = imageenc.DefaultMaxSize
	}

	if c.Control.Listen == "" {
		c.Control.Listen = DefaultControlAddr
	}
	setDuration(&c.Control.Timeout, 10*time.Second)

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsAddr
	}

	if c.Snapshot.Path == "" {
		c.Snapshot.Path = DefaultSnapshotPath
	}
	setDuration(&c.Snapshot.Interval, d.SnapshotInterval)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// controllerConfig 轉成 controller.Config
func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		TaskTimeout:      c.Dispatch.TaskTimeout,
		Cooldown:         c.Dispatch.Cooldown,
		PollInterval:     c.Dispatch.PollInterval,
		DispatchDelay:    c.Dispatch.DispatchDelay,
		SendTimeout:      c.Dispatch.SendTimeout,
		SweepInterval:    c.Dispatch.SweepInterval,
		SnapshotInterval: c.Snapshot.Interval,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// newLogger 依 log.level 與 log.format 建立 slog logger
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
