package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/genqueue/internal/controller"
	"github.com/ChuLiYu/genqueue/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

type fakeController struct {
	mu        sync.Mutex
	submitted []types.JobSpec
	running   bool
	startErr  error
	dirs      map[int]string
}

func (f *fakeController) SubmitBatch(ctx context.Context, specs []types.JobSpec) ([]*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var added []*types.Job
	for _, spec := range specs {
		if spec.Prompt == "" {
			continue
		}
		index := len(f.submitted)
		f.submitted = append(f.submitted, spec)
		added = append(added, &types.Job{
			ID:      types.JobID("job_" + spec.Prompt),
			Index:   index,
			Prompt:  spec.Prompt,
			Type:    spec.Type,
			FileExt: spec.Type.FileExt(),
			Status:  types.StatusPending,
		})
	}
	return added, nil
}

func (f *fakeController) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeController) Status(ctx context.Context) (controller.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report := controller.StatusReport{
		Running: f.running,
		Stats:   map[types.JobStatus]int{types.StatusPending: len(f.submitted)},
		Workers: []controller.WorkerView{{ID: "w-1", Seq: 1, Remote: "127.0.0.1:5000", Busy: true, JobID: "job_a"}},
		Busy:    1,
	}
	for i, spec := range f.submitted {
		report.Jobs = append(report.Jobs, &types.Job{Index: i, Prompt: spec.Prompt, Status: types.StatusPending})
	}
	return report, nil
}

func (f *fakeController) JobDir(ctx context.Context, index int) (string, error) {
	if dir, ok := f.dirs[index]; ok {
		return dir, nil
	}
	return "output", nil
}

// startControl 在 bufconn 上啟動控制平面並回傳 client
func startControl(t *testing.T, ctrl Controller) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(ctrl).Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("control server did not stop")
		}
	})
	return NewClient(conn)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// RPC 測試
// ============================================================================

func TestSubmitJobs(t *testing.T) {
	ctrl := &fakeController{}
	client := startControl(t, ctrl)
	ctx := testContext(t)

	jobs, err := client.Submit(ctx, []types.JobSpec{
		{Prompt: "a", Type: types.TypeCreateImage, AspectRatio: "16:9", Resolution: "4K"},
		{Prompt: ""},
		{Prompt: "b", Type: types.TypeFramesToVideo, RowTag: "7",
			ReferenceImages: []types.ReferenceImage{{Path: "/refs/first.png"}}},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Prompt)
	assert.Equal(t, types.ExtImage, jobs[0].FileExt)
	assert.Equal(t, 1, jobs[1].Index)
	assert.Equal(t, types.ExtVideo, jobs[1].FileExt)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.submitted, 2)
	assert.Equal(t, "16:9", ctrl.submitted[0].AspectRatio)
	assert.Equal(t, "7", ctrl.submitted[1].RowTag)
	assert.Equal(t, []types.ReferenceImage{{Path: "/refs/first.png"}}, ctrl.submitted[1].ReferenceImages)
}

func TestSubmitOnlyBlankPrompts(t *testing.T) {
	client := startControl(t, &fakeController{})

	jobs, err := client.Submit(testContext(t), []types.JobSpec{{Prompt: ""}})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitEmptyRequest(t *testing.T) {
	client := startControl(t, &fakeController{})

	err := client.invoke(testContext(t), "SubmitJobs", &structpb.Struct{}, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStartStopAndStatus(t *testing.T) {
	ctrl := &fakeController{}
	client := startControl(t, ctrl)
	ctx := testContext(t)

	_, err := client.Submit(ctx, []types.JobSpec{{Prompt: "a"}, {Prompt: "b"}})
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))

	report, err := client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, report.Running)
	assert.Equal(t, 2, report.Stats[types.StatusPending])
	assert.Equal(t, 1, report.Busy)
	require.Len(t, report.Workers, 1)
	assert.Equal(t, "w-1", report.Workers[0].ID)
	assert.Equal(t, types.JobID("job_a"), report.Workers[0].JobID)
	require.Len(t, report.Jobs, 2)
	assert.Equal(t, "b", report.Jobs[1].Prompt)

	require.NoError(t, client.Stop(ctx))
	report, err = client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, report.Running)
}

func TestStartPreconditionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"no workers", controller.ErrNoWorkers, codes.FailedPrecondition},
		{"no jobs", controller.ErrNoJobs, codes.FailedPrecondition},
		{"stopped", controller.ErrStopped, codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startControl(t, &fakeController{startErr: tt.err})
			err := client.Start(testContext(t))
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.code, status.Code(toStatus(tt.err)))
		})
	}
}

func TestJobDir(t *testing.T) {
	client := startControl(t, &fakeController{dirs: map[int]string{2: "output/batch1"}})
	ctx := testContext(t)

	dir, err := client.JobDir(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "output/batch1", dir)

	dir, err = client.JobDir(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, "output", dir)
}

// ============================================================================
// 錯誤對應
// ============================================================================

func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.Canceled, status.Code(toStatus(context.Canceled)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))
}

func TestFromStatusKeepsUnknownErrors(t *testing.T) {
	assert.NoError(t, fromStatus(nil))

	err := status.Error(codes.FailedPrecondition, "something else")
	assert.Equal(t, err, fromStatus(err))
	assert.Equal(t, assert.AnError, fromStatus(assert.AnError))
}

func TestListenAndServeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = NewServer(&fakeController{}).ListenAndServe(context.Background(), ln.Addr().String())
	assert.Error(t, err)
}
