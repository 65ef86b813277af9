package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/genqueue/internal/controller"
	"github.com/ChuLiYu/genqueue/internal/importer"
	"github.com/ChuLiYu/genqueue/internal/server"
	"github.com/ChuLiYu/genqueue/internal/snapshot"
	"github.com/ChuLiYu/genqueue/pkg/types"
)

// statusOrder 狀態統計的顯示順序
var statusOrder = []types.JobStatus{
	types.StatusPending,
	types.StatusProcessing,
	types.StatusCompleted,
	types.StatusFailed,
	types.StatusDownloadFailed,
	types.StatusTimedOut,
}

// ============================================================================
// submit / add
// ============================================================================

func (a *app) buildSubmitCommand() *cobra.Command {
	var jobFile string
	var start bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a YAML or JSON job file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := importer.Load(jobFile)
			if err != nil {
				return err
			}
			a.warn(batch.Warnings)
			return a.submit(cmd, batch.Specs, start)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "job file (YAML or JSON)")
	cmd.Flags().BoolVar(&start, "start", false, "start dispatching after submitting")
	cmd.MarkFlagRequired("file")

	return cmd
}

func (a *app) buildAddCommand() *cobra.Command {
	var row importer.Row
	var start bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Submit a single job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			spec, warnings, ok := row.Spec(cwd)
			a.warn(warnings)
			if !ok {
				return errors.New("prompt is empty")
			}
			return a.submit(cmd, []types.JobSpec{spec}, start)
		},
	}

	cmd.Flags().StringVarP(&row.Prompt, "prompt", "p", "", "prompt text")
	cmd.Flags().StringVarP(&row.Type, "type", "t", "", "job type (Create Image, Text to Video, Frames to Video, Ingredients to Video)")
	cmd.Flags().StringVar(&row.Orientation, "ratio", "", "aspect ratio or orientation (16:9, 9:16, landscape, portrait)")
	cmd.Flags().StringVar(&row.Resolution, "resolution", "", "resolution (default 4K for images, 1080p for videos)")
	cmd.Flags().StringVar(&row.OutputDir, "out", "", "output directory, relative to output.dir")
	cmd.Flags().StringVar(&row.Tag, "tag", "", "file name tag; an existing tagged file skips the job")
	cmd.Flags().StringArrayVar(&row.Images, "image", nil, "reference image path (repeatable)")
	cmd.Flags().BoolVar(&start, "start", false, "start dispatching after submitting")
	cmd.MarkFlagRequired("prompt")

	return cmd
}

func (a *app) submit(cmd *cobra.Command, specs []types.JobSpec, start bool) error {
	return a.withClient(cmd, func(ctx context.Context, client *server.Client, _ *Config) error {
		jobs, err := client.Submit(ctx, specs)
		if err != nil {
			return fmt.Errorf("failed to submit jobs: %w", err)
		}
		fmt.Fprintf(a.out, "Added %d jobs\n", len(jobs))
		for _, job := range jobs {
			fmt.Fprintf(a.out, "  #%d %s %s\n", job.Index, job.Type, truncate(job.Prompt, 60))
		}

		if !start {
			return nil
		}
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dispatch: %w", err)
		}
		fmt.Fprintln(a.out, "Dispatch started")
		return nil
	})
}

func (a *app) warn(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(a.errOut, "warning: %s\n", w)
	}
}

// ============================================================================
// start / stop
// ============================================================================

func (a *app) buildStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start dispatching queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *server.Client, _ *Config) error {
				if err := client.Start(ctx); err != nil {
					return fmt.Errorf("failed to start dispatch: %w", err)
				}
				fmt.Fprintln(a.out, "Dispatch started")
				return nil
			})
		},
	}
}

func (a *app) buildStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop dispatching; running jobs finish or time out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *server.Client, _ *Config) error {
				if err := client.Stop(ctx); err != nil {
					return fmt.Errorf("failed to stop dispatch: %w", err)
				}
				fmt.Fprintln(a.out, "Dispatch stopped")
				return nil
			})
		},
	}
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	var showJobs bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dispatch status",
		Long:  "Show workers and job counts. When the server is not running, the last snapshot is shown instead.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *server.Client, cfg *Config) error {
				report, err := client.Status(ctx)
				if err == nil {
					printStatus(a.out, report, showJobs)
					return nil
				}
				if !unreachable(err) {
					return fmt.Errorf("failed to get status: %w", err)
				}
				return a.offlineStatus(cfg, showJobs)
			})
		},
	}

	cmd.Flags().BoolVar(&showJobs, "jobs", false, "list every job")

	return cmd
}

// offlineStatus 從快照檔讀取最後狀態
func (a *app) offlineStatus(cfg *Config, showJobs bool) error {
	data, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	if err != nil {
		return fmt.Errorf("server not running and snapshot unreadable: %w", err)
	}

	report := controller.StatusReport{
		Stats: make(map[types.JobStatus]int),
		Jobs:  data.Jobs,
	}
	for _, job := range data.Jobs {
		report.Stats[job.Status]++
	}

	if data.TakenAt.IsZero() {
		fmt.Fprintln(a.out, "Server not running, no snapshot found")
	} else {
		fmt.Fprintf(a.out, "Server not running, snapshot taken %s\n", data.TakenAt.Local().Format(time.DateTime))
	}
	printStatus(a.out, report, showJobs)
	return nil
}

func printStatus(w io.Writer, report controller.StatusReport, showJobs bool) {
	state := "stopped"
	if report.Running {
		state = "running"
	}
	fmt.Fprintf(w, "Dispatch: %s\n", state)
	fmt.Fprintf(w, "Workers:  %d connected, %d busy\n", len(report.Workers), report.Busy)
	for _, wv := range report.Workers {
		job := "idle"
		if wv.Busy {
			job = string(wv.JobID)
		}
		fmt.Fprintf(w, "  #%d %s %s\n", wv.Seq, wv.Remote, job)
	}

	total := 0
	parts := make([]string, 0, len(statusOrder))
	for _, s := range statusOrder {
		n := report.Stats[s]
		total += n
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", s, n))
		}
	}
	fmt.Fprintf(w, "Jobs:     %d total", total)
	if len(parts) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w)

	if !showJobs || len(report.Jobs) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSTATUS\tTYPE\tRATIO\tRES\tPROMPT\tDETAIL\tSAVED")
	for _, job := range report.Jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			job.Index, job.Status, job.Type, job.AspectRatio, job.Resolution,
			truncate(job.Prompt, 40), truncate(job.StatusDetail, 40), job.SavedPath)
	}
	tw.Flush()
}

// unreachable serve 行程沒有在執行
func unreachable(err error) bool {
	return errors.Is(err, controller.ErrStopped) || status.Code(err) == codes.Unavailable
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// open
// ============================================================================

func (a *app) buildOpenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open [index]",
		Short: "Open the output directory, or the directory of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index := -1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid job index %q", args[0])
				}
				index = n
			}

			return a.withClient(cmd, func(ctx context.Context, client *server.Client, cfg *Config) error {
				dir, err := client.JobDir(ctx, index)
				if err != nil {
					if !unreachable(err) {
						return fmt.Errorf("failed to resolve directory: %w", err)
					}
					dir = cfg.Output.Dir
				}
				if err := a.opener.Open(ctx, dir); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Opened %s\n", dir)
				return nil
			})
		},
	}
}
