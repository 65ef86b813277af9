// ============================================================================
// genqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 指令列介面，啟動分派器並透過控制平面操作它
//
// Command Structure:
//   genqueue                       # Root command
//   ├── serve [--autostart]        # 啟動 WebSocket、控制平面、metrics
//   ├── submit -f jobs.yaml        # 匯入任務檔並提交
//   ├── add --prompt ...           # 提交單一任務
//   ├── start / stop               # 開始或停止分派
//   ├── status [--jobs]            # 查詢狀態（離線時讀快照）
//   ├── open [index]               # 開啟輸出目錄
//   ├── --config, -c               # 設定檔（預設 configs/default.yaml）
//   └── --control                  # 覆寫控制平面位址
//
// serve Command:
//   1. 載入設定檔並建立 logger
//   2. 建立 FileStore、Controller、metrics registry、快照管理器
//   3. 先綁定控制平面與 WebSocket 埠，任一失敗即中止
//   4. errgroup 同時執行 Controller.Run、WebSocket、gRPC、metrics
//   5. SIGINT / SIGTERM 取消 context，各元件關閉，Controller 寫出最後快照
//
//   Examples:
//     ./genqueue serve
//     ./genqueue serve -c custom-config.yaml --autostart
//
// 其他指令都是控制平面的 client；設定檔不存在且未指定 --config 時使用預設值。
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/genqueue/internal/controller"
	"github.com/ChuLiYu/genqueue/internal/imageenc"
	"github.com/ChuLiYu/genqueue/internal/metrics"
	"github.com/ChuLiYu/genqueue/internal/opener"
	"github.com/ChuLiYu/genqueue/internal/server"
	"github.com/ChuLiYu/genqueue/internal/snapshot"
	"github.com/ChuLiYu/genqueue/internal/storage"
	"github.com/ChuLiYu/genqueue/internal/wire"
)

// DefaultConfigPath 預設設定檔位置
const DefaultConfigPath = "configs/default.yaml"

// Version 版本號
var Version = "0.1.0"

// dirOpener 開啟目錄的協作者
type dirOpener interface {
	Open(ctx context.Context, dir string) error
}

// app 指令共用的狀態
type app struct {
	configFile  string
	controlAddr string

	out    io.Writer
	errOut io.Writer
	dial   func(addr string) (*server.Client, error)
	opener dirOpener
}

// BuildCLI 建立根指令
func BuildCLI() *cobra.Command {
	return newRootCommand(&app{
		out:    os.Stdout,
		errOut: os.Stderr,
		dial:   server.Dial,
		opener: opener.New(),
	})
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "genqueue",
		Short: "genqueue: dispatch generation jobs to browser workers",
		Long: `genqueue keeps a queue of image and video generation jobs and hands
them one at a time to browser-extension workers connected over WebSocket.
Results are written to the output directory as they arrive.`,
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&a.controlAddr, "control", "", "control plane address (overrides control.listen)")

	rootCmd.AddCommand(a.buildServeCommand())
	rootCmd.AddCommand(a.buildSubmitCommand())
	rootCmd.AddCommand(a.buildAddCommand())
	rootCmd.AddCommand(a.buildStartCommand())
	rootCmd.AddCommand(a.buildStopCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildOpenCommand())

	return rootCmd
}

// config 載入設定；使用預設路徑且檔案不存在時回傳預設設定
func (a *app) config(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig(a.configFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = defaultConfig()
	}
	if a.controlAddr != "" {
		cfg.Control.Listen = a.controlAddr
	}
	return cfg, nil
}

// withClient 連線到控制平面，以帶逾時的 context 執行 fn
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, client *server.Client, cfg *Config) error) error {
	cfg, err := a.config(cmd)
	if err != nil {
		return err
	}
	client, err := a.dial(cfg.Control.Listen)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Control.Timeout)
	defer cancel()
	return fn(ctx, client, cfg)
}

// ============================================================================
// serve
// ============================================================================

func (a *app) buildServeCommand() *cobra.Command {
	var autostart bool
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatcher",
		Long:  "Accept worker connections, serve the control plane and metrics, and dispatch jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cfg, autostart)
		},
	}

	cmd.Flags().BoolVar(&autostart, "autostart", false, "start dispatching once a worker and jobs are present")
	cmd.Flags().StringVar(&listen, "listen", "", "WebSocket listen address (overrides server.listen)")

	return cmd
}

func (a *app) serve(ctx context.Context, cfg *Config, autostart bool) error {
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, a.errOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := storage.NewFileStore(cfg.Output.Dir)
	if err != nil {
		return fmt.Errorf("failed to prepare output dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl := controller.NewController(cfg.controllerConfig(), store,
		controller.WithEncoder(imageenc.New(cfg.Output.MaxImageSize)),
		controller.WithMetrics(metrics.NewCollector(reg)),
		controller.WithSnapshots(snapshot.NewManager(cfg.Snapshot.Path)),
		controller.WithLogger(logger),
	)

	lis, err := net.Listen("tcp", cfg.Control.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Control.Listen, err)
	}

	ws := wire.NewServer(cfg.Server.Listen, ctrl,
		wire.WithLogger(logger),
		wire.WithMaxMessageSize(cfg.Server.MaxMessageSize),
		wire.WithWriteTimeout(cfg.Server.WriteTimeout),
		wire.WithHandshakeTimeout(cfg.Server.HandshakeTimeout),
	)
	if err := ws.Listen(); err != nil {
		lis.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return ws.Serve(gctx) })
	g.Go(func() error {
		return server.NewServer(ctrl, server.WithLogger(logger)).Serve(gctx, lis)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Listen, reg) })
	}
	if autostart {
		g.Go(func() error { return autoStart(gctx, ctrl, cfg.Dispatch.PollInterval, logger) })
	}

	logger.Info("genqueue started",
		"websocket", ws.Addr().String(),
		"control", lis.Addr().String(),
		"output", store.BasePath(),
		"snapshot", cfg.Snapshot.Path,
	)

	err = g.Wait()
	logger.Info("genqueue stopped")
	return err
}

// autoStart 等到有 worker 與任務時開始分派一次
func autoStart(ctx context.Context, ctrl *controller.Controller, every time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		err := ctrl.Start(ctx)
		switch {
		case err == nil:
			logger.Info("Dispatch started automatically")
			return nil
		case ctx.Err() != nil, errors.Is(err, controller.ErrStopped):
			return nil
		case errors.Is(err, controller.ErrNoWorkers), errors.Is(err, controller.ErrNoJobs):
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
